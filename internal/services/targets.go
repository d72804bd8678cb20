package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"worktrack-backend/internal/models"
	"worktrack-backend/internal/repository"
)

// TargetResolver validates task targets and resolves their display names.
// Project names are cached.
type TargetResolver struct {
	projects repository.ProjectRepo
	cache    *lru.Cache[uuid.UUID, string]
}

func NewTargetResolver(projects repository.ProjectRepo, cacheSize int) (*TargetResolver, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, err := lru.New[uuid.UUID, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create project name cache: %w", err)
	}
	return &TargetResolver{projects: projects, cache: cache}, nil
}

// Resolve returns the display name for target using the default repository.
func (r *TargetResolver) Resolve(ctx context.Context, target models.TaskTarget) (string, error) {
	return r.ResolveWith(ctx, r.projects, target)
}

// ResolveWith is Resolve against a specific (for example transaction-bound)
// project repository.
func (r *TargetResolver) ResolveWith(ctx context.Context, projects repository.ProjectRepo, target models.TaskTarget) (string, error) {
	if !target.Valid() {
		return "", &InvalidTargetError{Message: models.ErrInvalidTarget.Error()}
	}
	if label, ok := target.Custom(); ok {
		return label, nil
	}

	id, _ := target.Project()
	if name, ok := r.cache.Get(id); ok {
		return name, nil
	}
	p, err := projects.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return "", &InvalidTargetError{Message: "project not found"}
	}
	if err != nil {
		return "", storeErr(err)
	}
	r.cache.Add(id, p.Name)
	return p.Name, nil
}

// storeErr converts repository failures into service errors.
func storeErr(err error) error {
	if errors.Is(err, repository.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	return err
}
