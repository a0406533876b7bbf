package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WebhookSink forwards alerts to an HTTP endpoint in batches. Delivery is
// best effort: a full buffer drops alerts and failed posts are not retried.
type WebhookSink struct {
	url      string
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger

	ch   chan Alert
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type alertBatch struct {
	Alerts []Alert `json:"alerts"`
}

func NewWebhookSink(url string, buffer int, interval time.Duration, client *http.Client, logger *zap.Logger) *WebhookSink {
	if buffer <= 0 {
		buffer = 64
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WebhookSink{
		url:      url,
		client:   client,
		interval: interval,
		logger:   logger,
		ch:       make(chan Alert, buffer),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *WebhookSink) Send(a Alert) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- a:
	default:
		s.logger.Warn("alert sink buffer full, dropping alert", zap.String("alert_id", a.ID))
	}
}

func (s *WebhookSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var batch []Alert
	for {
		select {
		case a := <-s.ch:
			batch = append(batch, a)
			if len(batch) >= cap(s.ch) {
				s.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = nil
			}
		case <-s.done:
			for {
				select {
				case a := <-s.ch:
					batch = append(batch, a)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *WebhookSink) flush(batch []Alert) {
	if err := s.post(batch); err != nil {
		s.logger.Warn("alert webhook failed", zap.Int("alerts", len(batch)), zap.Error(err))
	}
}

func (s *WebhookSink) post(batch []Alert) error {
	body, err := json.Marshal(alertBatch{Alerts: batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes buffered alerts and stops the sender.
func (s *WebhookSink) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
