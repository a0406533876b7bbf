package collaborator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	MinRequests      uint32
	FailureThreshold float64
}

// errUnsuccessful marks a call that returned without error but reported
// Success false. It only feeds the breaker; callers still get the Result.
var errUnsuccessful = errors.New("collaborator reported failure")

// Guard wraps Actions with one circuit breaker per call kind. Transport
// errors and unsuccessful results count against the breaker, permanent
// errors do not. An open breaker surfaces as a retryable failure.
type Guard struct {
	next     Actions
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewGuard(next Actions, s BreakerSettings, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{next: next, breakers: map[string]*gobreaker.CircuitBreaker{}}
	for _, name := range []string{"content_a", "content_b", "batch", "continuous"} {
		g.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: s.MaxRequests,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < s.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureThreshold
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				if errors.Is(err, errUnsuccessful) {
					return false
				}
				return workflow.Classify("", err).Kind == workflow.KindFatal
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("collaborator breaker state changed",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}
	return g
}

func (g *Guard) do(name string, fn func() (Result, error)) (Result, error) {
	out, err := g.breakers[name].Execute(func() (interface{}, error) {
		res, err := fn()
		if err == nil && !res.Success {
			return res, errUnsuccessful
		}
		return res, err
	})
	if errors.Is(err, errUnsuccessful) {
		return out.(Result), nil
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("collaborator %s unavailable: %w", name, err)
		}
		return Result{}, err
	}
	return out.(Result), nil
}

func (g *Guard) State(name string) gobreaker.State {
	if cb, ok := g.breakers[name]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (g *Guard) ApplyContentA(ctx context.Context, accountID string, params map[string]any) (Result, error) {
	return g.do("content_a", func() (Result, error) { return g.next.ApplyContentA(ctx, accountID, params) })
}

func (g *Guard) ApplyContentB(ctx context.Context, accountID string, params map[string]any) (Result, error) {
	return g.do("content_b", func() (Result, error) { return g.next.ApplyContentB(ctx, accountID, params) })
}

func (g *Guard) RunBatchAction(ctx context.Context, accountID string, params map[string]any) (Result, error) {
	return g.do("batch", func() (Result, error) { return g.next.RunBatchAction(ctx, accountID, params) })
}

func (g *Guard) ToggleContinuousAction(ctx context.Context, accountID string, on bool, params map[string]any) (Result, error) {
	return g.do("continuous", func() (Result, error) { return g.next.ToggleContinuousAction(ctx, accountID, on, params) })
}
