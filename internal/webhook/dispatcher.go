// Package webhook fires a bounded worker pool of fire-and-forget HTTP POSTs
// against subscriber-supplied webhook URLs, with a fixed per-job retry
// schedule. A final failure is logged, never surfaced.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one webhook delivery attempt sequence.
type Job struct {
	RequestID  string
	WebhookURL string
	Payload    map[string]any
}

// retrySchedule is the fixed delay before each retry after the first
// attempt fails.
var retrySchedule = []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}

// Dispatcher is a bounded job queue drained by a fixed worker pool,
// grounded on the same queue-plus-worker-goroutines shape as a
// transcription worker pool, adapted from "transcribe audio" to "POST a
// webhook payload."
type Dispatcher struct {
	jobs    chan Job
	client  *http.Client
	workers int
	version string
	log     zerolog.Logger
	wg      sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
}

func New(workers, queueSize int, timeout time.Duration, version string, log zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		jobs:    make(chan Job, queueSize),
		client:  &http.Client{Timeout: timeout},
		workers: workers,
		version: version,
		log:     log,
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.log.Info().Int("workers", d.workers).Msg("webhook dispatcher started")
}

// Stop signals workers to drain the queue and waits for in-flight jobs
// (including their retry schedules) to finish.
func (d *Dispatcher) Stop() {
	close(d.jobs)
	d.wg.Wait()
	d.log.Info().
		Int64("completed", d.completed.Load()).
		Int64("failed", d.failed.Load()).
		Msg("webhook dispatcher stopped")
}

// QueueDepth reports how many jobs are currently queued, for the metrics
// collector's live gauge.
func (d *Dispatcher) QueueDepth() int {
	return len(d.jobs)
}

// Enqueue adds a job to the queue, dropping it if the queue is full.
// Satisfies eventbus.WebhookEnqueuer.
func (d *Dispatcher) Enqueue(requestID, webhookURL string, payload map[string]any) {
	select {
	case d.jobs <- Job{RequestID: requestID, WebhookURL: webhookURL, Payload: payload}:
	default:
		d.log.Warn().Str("request_id", requestID).Msg("webhook queue full, dropping job")
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	log := d.log.With().Int("worker", id).Logger()
	for job := range d.jobs {
		d.processJob(log, job)
	}
}

func (d *Dispatcher) processJob(log zerolog.Logger, job Job) {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		log.Warn().Err(err).Str("request_id", job.RequestID).Msg("webhook payload marshal failed")
		d.failed.Add(1)
		return
	}

	attempt := 0
	if d.post(log, job, body, attempt) {
		d.completed.Add(1)
		return
	}

	for _, delay := range retrySchedule {
		attempt++
		time.Sleep(delay)
		if d.post(log, job, body, attempt) {
			d.completed.Add(1)
			return
		}
	}

	d.failed.Add(1)
	log.Warn().Str("request_id", job.RequestID).Str("url", job.WebhookURL).Msg("webhook delivery failed after final retry, giving up")
}

// post makes one delivery attempt and reports whether it succeeded.
func (d *Dispatcher) post(log zerolog.Logger, job Job, body []byte, attempt int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Int("attempt", attempt).Str("request_id", job.RequestID).Msg("webhook request build failed")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "OTP-Gateway/"+d.version)
	req.Header.Set("X-Request-ID", job.RequestID)
	if event, ok := job.Payload["event"].(string); ok && event != "" {
		req.Header.Set("X-Webhook-Event", event)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Int("attempt", attempt).Str("request_id", job.RequestID).Msg("webhook delivery attempt failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Str("request_id", job.RequestID).Msg("webhook delivery attempt rejected")
		return false
	}

	log.Debug().Int("status", resp.StatusCode).Int("attempt", attempt).Str("request_id", job.RequestID).Msg("webhook delivered")
	return true
}

// BuildPayload assembles the compact event payload shape the dispatcher
// sends: {event, request_id, session_id?, phone, status, channel,
// timestamp, metadata}. timestamp is epoch-ms, matching what subscribers
// expect to parse without a date library.
func BuildPayload(event, requestID, sessionID, phone, status, channel string, metadata map[string]any) map[string]any {
	payload := map[string]any{
		"event":      event,
		"request_id": requestID,
		"phone":      phone,
		"status":     status,
		"channel":    channel,
		"timestamp":  time.Now().UTC().UnixMilli(),
	}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	return payload
}
