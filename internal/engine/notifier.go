package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/monitoring"
)

// Notifier publishes lifecycle events to the audit log and event bus. Posts
// happen on a background goroutine so observers never stall a step.
type Notifier struct {
	auditLog string
	eventBus string
	client   *http.Client
	logger   *zap.Logger

	ch   chan monitoring.Event
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewNotifier(auditURL, eventURL string, client *http.Client, logger *zap.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		auditLog: strings.TrimRight(auditURL, "/"),
		eventBus: strings.TrimRight(eventURL, "/"),
		client:   client,
		logger:   logger,
		ch:       make(chan monitoring.Event, 256),
		done:     make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *Notifier) Notify(_ context.Context, ev monitoring.Event) {
	if n == nil {
		return
	}
	select {
	case <-n.done:
		return
	default:
	}
	select {
	case n.ch <- ev:
	default:
		n.logger.Warn("notifier backlog full, dropping event",
			zap.String("event", string(ev.Type)),
			zap.String("account_id", ev.AccountID))
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case ev := <-n.ch:
			n.publish(ev)
		case <-n.done:
			for {
				select {
				case ev := <-n.ch:
					n.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) publish(ev monitoring.Event) {
	payload := map[string]any{
		"event":         ev.Type,
		"account_id":    ev.AccountID,
		"instance_id":   ev.InstanceID,
		"workflow_type": ev.WorkflowType,
		"ts":            ev.At.UTC().Format(time.RFC3339),
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
		payload["step_action"] = ev.Action
		payload["attempt"] = ev.Attempt
		payload["success"] = ev.Success
		payload["duration_ms"] = ev.Duration.Milliseconds()
	}
	if ev.Error != "" {
		payload["error"] = ev.Error
	}
	if n.auditLog != "" {
		n.postJSON(n.auditLog+"/v1/events", payload)
	}
	if n.eventBus != "" {
		n.postJSON(n.eventBus+"/v1/events", map[string]any{
			"topic":   ev.Type,
			"payload": payload,
		})
	}
}

func (n *Notifier) postJSON(url string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Debug("notify failed", zap.String("url", url), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}

// Close delivers queued events and stops the sender.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.once.Do(func() { close(n.done) })
	finished := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
