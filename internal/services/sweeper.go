package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"worktrack-backend/internal/metrics"
	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository"
)

const (
	sweepLockKey   = "worktrack:lock:idle-sweeper"
	autoStopNote   = "auto-stopped: no liveness signal"
	defaultSweepTO = 30 * time.Second
)

type SweeperConfig struct {
	Interval        time.Duration
	GraceWindow     time.Duration
	LivenessTimeout time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:        3 * time.Minute,
		GraceWindow:     2 * time.Minute,
		LivenessTimeout: 10 * time.Minute,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Candidates int
	Stopped    int
	Skipped    int
	Failed     int
	// Locked is true when another replica held the sweep lock.
	Locked bool
}

// IdleSweeper force-stops active sessions whose owner has stopped sending
// liveness signals.
type IdleSweeper struct {
	sessions repository.SessionRepo
	events   EventPublisher
	locker   Locker
	clock    Clock
	cfg      SweeperConfig
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

func NewIdleSweeper(sessions repository.SessionRepo, events EventPublisher, locker Locker, clock Clock, cfg SweeperConfig, logger zerolog.Logger) *IdleSweeper {
	if events == nil {
		events = NopPublisher{}
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	return &IdleSweeper{
		sessions: sessions,
		events:   events,
		locker:   locker,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With().Str("component", "idle-sweeper").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Eligible reports whether sess should be auto-stopped at now. Sessions
// younger than the grace window are never eligible.
func (s *IdleSweeper) Eligible(sess *models.WorkSession, now time.Time) bool {
	if sess.Status != models.StatusActive || sess.OpenSince == nil {
		return false
	}
	if !sess.CreatedAt.Before(now.Add(-s.cfg.GraceWindow)) {
		return false
	}
	return sess.LastLivenessAt == nil || sess.LastLivenessAt.Before(now.Add(-s.cfg.LivenessTimeout))
}

func (s *IdleSweeper) Start() {
	go s.loop()
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("grace_window", s.cfg.GraceWindow).
		Dur("liveness_timeout", s.cfg.LivenessTimeout).
		Msg("idle sweeper started")
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *IdleSweeper) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
	<-s.done
}

func (s *IdleSweeper) loop() {
	defer close(s.done)

	// Run on startup as well as by interval.
	s.runOnce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *IdleSweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSweepTO)
	defer cancel()
	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweep failed")
	}
}

// Candidates lists the sessions a sweep at the current time would stop.
func (s *IdleSweeper) Candidates(ctx context.Context) ([]*models.WorkSession, error) {
	now := s.clock.Now()
	list, err := s.sessions.ListIdleCandidates(ctx, now.Add(-s.cfg.GraceWindow), now.Add(-s.cfg.LivenessTimeout))
	if err != nil {
		return nil, storeErr(err)
	}
	out := list[:0]
	for _, sess := range list {
		if s.Eligible(sess, now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SweepOnce stops every eligible session. A failure on one session is
// logged and does not abort the rest.
func (s *IdleSweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	release, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.lockTTL())
	if err != nil {
		return res, err
	}
	if !ok {
		res.Locked = true
		s.logger.Debug().Msg("another instance holds the sweep lock")
		return res, nil
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release sweep lock")
		}
	}()

	started := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	candidates, err := s.Candidates(ctx)
	if err != nil {
		return res, err
	}
	res.Candidates = len(candidates)

	for _, sess := range candidates {
		now := s.clock.Now()
		appended := closeRunning(sess, now)
		sess.Status = models.StatusStopped
		sess.Notes = appendNote(sess.Notes, autoStopNote)
		sess.UpdatedAt = now

		err := s.sessions.Update(ctx, sess, appended)
		switch {
		case err == nil:
			res.Stopped++
			metrics.SweepStopped.Inc()
			s.events.Publish(ctx, sess.OwnerID, models.WSMessage{
				Type:    models.EventSessionUpdate,
				Payload: models.SessionEvent{Reason: "auto_stop", Session: ToResponse(sess, now)},
			})
		case errors.Is(err, repository.ErrStale):
			// A live request or heartbeat got there first.
			res.Skipped++
		default:
			res.Failed++
			metrics.SweepFailures.Inc()
			s.logger.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to auto-stop session")
		}
	}

	if res.Stopped > 0 || res.Failed > 0 {
		s.logger.Info().
			Int("candidates", res.Candidates).
			Int("stopped", res.Stopped).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Msg("idle sweep finished")
	}
	return res, nil
}

func (s *IdleSweeper) lockTTL() time.Duration {
	if s.cfg.Interval > 0 && s.cfg.Interval < defaultSweepTO {
		return s.cfg.Interval
	}
	return defaultSweepTO
}
