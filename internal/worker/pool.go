package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"worktrack-backend/internal/models"
	"worktrack-backend/internal/services"
)

const (
	DecisionQueue      = "queue:manual-time-decisions"
	DecisionDeadLetter = "queue:manual-time-decisions:failed"
	// DecisionRetrySet holds decisions waiting out their backoff, scored by
	// the unix millisecond at which they become due.
	DecisionRetrySet = "queue:manual-time-decisions:retry"

	maxAttempts  = 3
	promoteBatch = 100
)

// promoteScript moves due retries back onto the queue atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('RPUSH', KEYS[2], member)
end
return #due
`)

// Decider applies an approve/reject verdict to a manual time request.
type Decider interface {
	Decide(ctx context.Context, d models.Decision, source string) error
}

type decisionJob struct {
	models.Decision
	Attempts  int    `json:"attempts,omitempty"`
	LastErr   string `json:"last_error,omitempty"`
	NotBefore int64  `json:"not_before,omitempty"`
}

// Pool drains the decision queue that external approval systems push onto.
type Pool struct {
	redis        *redis.Client
	decider      Decider
	workerCount  int
	blockTimeout time.Duration
	backoff      func(attempt int) time.Duration
	promoteEvery time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(redisClient *redis.Client, decider Decider, workerCount int, logger zerolog.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		redis:        redisClient,
		decider:      decider,
		workerCount:  workerCount,
		blockTimeout: 5 * time.Second,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
		promoteEvery: time.Second,
		now:          time.Now,
		logger: logger.With().Str("component", "decision-worker").Logger(),
	}
}

// Enqueue pushes a decision for asynchronous processing.
func Enqueue(ctx context.Context, client *redis.Client, d models.Decision) error {
	data, err := json.Marshal(decisionJob{Decision: d})
	if err != nil {
		return err
	}
	return client.RPush(ctx, DecisionQueue, data).Err()
}

func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.promoter(ctx)

	p.logger.Info().Int("workers", p.workerCount).Msg("decision workers started")
}

// Stop signals the workers and waits for in-flight decisions to finish.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker", id).Logger()

	for {
		if ctx.Err() != nil {
			log.Debug().Msg("worker shutting down")
			return
		}

		result, err := p.redis.BLPop(ctx, p.blockTimeout, DecisionQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				log.Warn().Err(err).Msg("queue read failed")
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		p.process(context.WithoutCancel(ctx), result[1])
	}
}

func (p *Pool) process(ctx context.Context, raw string) {
	var job decisionJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		p.logger.Error().Err(err).Msg("dropping malformed decision")
		p.deadLetter(ctx, raw)
		return
	}

	log := p.logger.With().
		Str("request_id", job.RequestID.String()).
		Str("decision", job.Decision.Decision).
		Logger()

	err := p.decider.Decide(ctx, job.Decision, "queue")
	if err == nil {
		log.Info().Msg("decision applied")
		return
	}

	var notFound *services.NotFoundError
	switch {
	case errors.As(err, &notFound):
		// already decided or deleted; redelivery is a no-op
		log.Info().Msg("request no longer pending, skipping")
	case services.IsTransient(err) && job.Attempts+1 < maxAttempts:
		job.Attempts++
		job.LastErr = err.Error()
		delay := p.backoff(job.Attempts)
		log.Warn().Err(err).Int("attempt", job.Attempts).Dur("backoff", delay).Msg("decision failed, retrying")
		job.NotBefore = p.now().Add(delay).UnixMilli()
		data, _ := json.Marshal(job)
		if err := p.scheduleRetry(ctx, job.NotBefore, data); err != nil {
			log.Error().Err(err).Msg("failed to schedule retry, dead-lettering")
			p.deadLetter(ctx, string(data))
		}
	default:
		job.LastErr = err.Error()
		log.Error().Err(err).Msg("decision failed permanently")
		data, _ := json.Marshal(job)
		p.deadLetter(ctx, string(data))
	}
}

func (p *Pool) scheduleRetry(ctx context.Context, notBefore int64, data []byte) error {
	return p.redis.ZAdd(ctx, DecisionRetrySet, redis.Z{Score: float64(notBefore), Member: data}).Err()
}

// promoter periodically moves retries whose backoff has elapsed back onto
// the decision queue. Scheduled retries live in Redis, so they survive Stop.
func (p *Pool) promoter(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.promoteDue(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn().Err(err).Msg("retry promotion failed")
				}
				continue
			}
			if n > 0 {
				p.logger.Debug().Int("count", n).Msg("retries promoted")
			}
		}
	}
}

func (p *Pool) promoteDue(ctx context.Context) (int, error) {
	keys := []string{DecisionRetrySet, DecisionQueue}
	return promoteScript.Run(ctx, p.redis, keys, p.now().UnixMilli(), promoteBatch).Int()
}

func (p *Pool) deadLetter(ctx context.Context, payload string) {
	if err := p.redis.RPush(ctx, DecisionDeadLetter, payload).Err(); err != nil {
		p.logger.Error().Err(err).Str("payload", payload).Msg("failed to dead-letter decision")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
