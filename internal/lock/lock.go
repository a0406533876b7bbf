// Package lock provides cooperative, expiring mutual exclusion keyed by
// resource. Locks are advisory: every mutation path has to go through them.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

// Backend is the atomic insert-if-absent-or-expired primitive.
type Backend interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

func StartKey(accountID string) string { return "workflow:" + accountID + ":start" }

func StepKey(accountID string) string { return "workflow:" + accountID + ":step" }

type Service struct {
	backend Backend
	holder  string
	logger  *zap.Logger
}

// NewService returns a lock service whose holder ids are prefixed with
// processID so a crashed process's locks are recognisable.
func NewService(backend Backend, processID string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if processID == "" {
		processID = workflow.NewID("proc")
	}
	return &Service{backend: backend, holder: processID, logger: logger}
}

// WithLock runs fn while holding key. A live holder yields
// workflow.ErrLockContention without running fn.
func (s *Service) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	holder := s.holder + ":" + workflow.NewID("h")
	ok, err := s.backend.Acquire(ctx, key, holder, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		s.logger.Debug("lock busy", zap.String("lock_key", key))
		return workflow.ErrLockContention
	}
	defer func() {
		// release must survive a cancelled caller context
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.backend.Release(relCtx, key, holder); err != nil {
			s.logger.Warn("lock release failed", zap.String("lock_key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// WithLockWait retries WithLock on contention with exponential backoff
// until maxWait elapses.
func (s *Service) WithLockWait(ctx context.Context, key string, ttl, maxWait time.Duration, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = maxWait

	var fnErr error
	op := func() error {
		err := s.WithLock(ctx, key, ttl, fn)
		if errors.Is(err, workflow.ErrLockContention) {
			return err
		}
		fnErr = err
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}
	return fnErr
}
