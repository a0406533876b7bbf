// Package collaborator is the boundary to the services that actually touch
// an account: content generation and the growth platform.
package collaborator

import (
	"context"

	"go.uber.org/zap"
)

// Result is what a collaborator reports for one call. Data is opaque to the
// engine and only ends up in the execution log.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type Actions interface {
	ApplyContentA(ctx context.Context, accountID string, params map[string]any) (Result, error)
	ApplyContentB(ctx context.Context, accountID string, params map[string]any) (Result, error)
	RunBatchAction(ctx context.Context, accountID string, params map[string]any) (Result, error)
	ToggleContinuousAction(ctx context.Context, accountID string, on bool, params map[string]any) (Result, error)
}

// Dry succeeds without side effects. It is wired when no collaborator base
// URL is configured so campaigns can be exercised end to end.
type Dry struct {
	Logger *zap.Logger
}

func (d Dry) call(name, accountID string, params map[string]any) (Result, error) {
	if d.Logger != nil {
		d.Logger.Info("dry collaborator call", zap.String("action", name), zap.String("account_id", accountID), zap.Any("params", params))
	}
	return Result{Success: true, Message: "dry run", Data: map[string]any{"action": name}}, nil
}

func (d Dry) ApplyContentA(_ context.Context, accountID string, params map[string]any) (Result, error) {
	return d.call("content_a", accountID, params)
}

func (d Dry) ApplyContentB(_ context.Context, accountID string, params map[string]any) (Result, error) {
	return d.call("content_b", accountID, params)
}

func (d Dry) RunBatchAction(_ context.Context, accountID string, params map[string]any) (Result, error) {
	return d.call("batch", accountID, params)
}

func (d Dry) ToggleContinuousAction(_ context.Context, accountID string, on bool, params map[string]any) (Result, error) {
	if on {
		return d.call("continuous_on", accountID, params)
	}
	return d.call("continuous_off", accountID, params)
}
