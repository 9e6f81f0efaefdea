package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
)

// Event types
const (
	EventIPBlocked          = "ip_blocked"
	EventFraudReportCreated = "fraud_report_created"
	EventTest               = "test"
)

// KnownEvents lists the event types a webhook may subscribe to.
var KnownEvents = []string{EventIPBlocked, EventFraudReportCreated, EventTest}

var (
	// ErrQueueFull is returned by Enqueue when the outbound queue has no room.
	ErrQueueFull = errors.New("webhook queue is full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("webhook dispatcher is closed")
	// ErrNoSubscribers is returned by Test when no active webhook wants the event.
	ErrNoSubscribers = errors.New("no active webhook subscribed to event")
	// ErrInvalidWebhook is returned by Register for a malformed webhook.
	ErrInvalidWebhook = errors.New("invalid webhook")
)

// Delivery results, as reported to the observer.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// Event is the JSON body of every webhook call.
type Event struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// BlockEventData is the data of an ip_blocked event.
type BlockEventData struct {
	IP        string     `json:"ip"`
	EntryID   string     `json:"entry_id"`
	ClickID   string     `json:"click_id,omitempty"`
	Reason    string     `json:"reason"`
	RiskScore int        `json:"risk_score"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ReportEventData is the data of a fraud_report_created event.
type ReportEventData struct {
	ReportID  string   `json:"report_id"`
	IP        string   `json:"ip"`
	ClickID   string   `json:"click_id,omitempty"`
	Type      string   `json:"type"`
	Severity  string   `json:"severity"`
	RiskScore int      `json:"risk_score"`
	Reasons   []string `json:"reasons"`
}

// DeliveryResult is the outcome of one webhook call.
type DeliveryResult struct {
	WebhookID  string `json:"webhook_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// Source is the webhook storage the dispatcher needs.
type Source interface {
	CreateWebhook(ctx context.Context, w *database.Webhook) error
	ListWebhooks(ctx context.Context, activeOnly bool) ([]database.Webhook, error)
	DeactivateWebhook(ctx context.Context, id string) error
	CreateWebhookFailure(ctx context.Context, f *database.WebhookFailure) error
	ListWebhookFailures(ctx context.Context, limit int) ([]database.WebhookFailure, error)
}

// Observer is told the result of every delivery.
type Observer func(result string)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver sets the delivery observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observe = o }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// Dispatcher fans events out to subscribed webhooks from a bounded queue.
// Enqueue never blocks; a pool of workers delivers with retry and backoff
// and records deliveries that exhaust their attempts.
type Dispatcher struct {
	source  Source
	cfg     config.WebhooksConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	observe Observer
	sleep   sleepFunc
	now     func() time.Time

	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewDispatcher creates a dispatcher. Call Start to run the workers.
func NewDispatcher(source Source, cfg config.WebhooksConfig, logger *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "TrafficGuard"
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		source:  source,
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("webhooks"),
		observe: func(string) {},
		sleep:   sleepContext,
		now:     func() time.Time { return time.Now().UTC() },
		queue:   make(chan Event, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("webhook dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize),
	)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliverAll(d.ctx, ev, d.backoff(), true)
	}
}

// Enqueue queues an event for delivery without waiting.
func (d *Dispatcher) Enqueue(eventType string, data interface{}) error {
	ev := d.newEvent(eventType, data)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- ev:
		return nil
	default:
		d.observe(ResultDropped)
		d.logger.Warn("webhook queue full, event dropped", zap.String("event", eventType))
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// When ctx ends first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Test sends one event synchronously to every active webhook subscribed to
// eventType, with a single attempt each.
func (d *Dispatcher) Test(ctx context.Context, eventType string, sample interface{}) ([]DeliveryResult, error) {
	if eventType == "" {
		eventType = EventTest
	}
	results, err := d.deliverAll(ctx, d.newEvent(eventType, sample), backoff{MaxAttempts: 1}, false)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoSubscribers
	}
	return results, nil
}

// Register validates and stores a webhook.
func (d *Dispatcher) Register(ctx context.Context, w *database.Webhook) error {
	w.Name = strings.TrimSpace(w.Name)
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWebhook)
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidWebhook)
	}
	w.Method = strings.ToUpper(strings.TrimSpace(w.Method))
	switch w.Method {
	case "":
		w.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("%w: unsupported method %s", ErrInvalidWebhook, w.Method)
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrInvalidWebhook)
	}
	for _, e := range w.Events {
		if !knownEvent(e) {
			return fmt.Errorf("%w: unknown event %s", ErrInvalidWebhook, e)
		}
	}
	if w.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidWebhook)
	}
	w.IsActive = true
	return d.source.CreateWebhook(ctx, w)
}

// Webhooks lists registered webhooks.
func (d *Dispatcher) Webhooks(ctx context.Context) ([]database.Webhook, error) {
	return d.source.ListWebhooks(ctx, false)
}

// Deactivate disables a webhook.
func (d *Dispatcher) Deactivate(ctx context.Context, id string) error {
	return d.source.DeactivateWebhook(ctx, id)
}

// Failures returns the most recent failed deliveries.
func (d *Dispatcher) Failures(ctx context.Context, limit int) ([]database.WebhookFailure, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return d.source.ListWebhookFailures(ctx, limit)
}

func (d *Dispatcher) newEvent(eventType string, data interface{}) Event {
	return Event{
		Event:     eventType,
		Timestamp: d.now().Format("2006-01-02T15:04:05.000Z07:00"),
		Data:      data,
	}
}

func (d *Dispatcher) backoff() backoff {
	return backoff{
		MaxAttempts: d.cfg.MaxAttempts,
		InitDelay:   d.cfg.InitDelay,
		MaxDelay:    d.cfg.MaxDelay,
		Jitter:      true,
	}
}

// deliverAll sends ev to every subscribed webhook in parallel and waits.
func (d *Dispatcher) deliverAll(ctx context.Context, ev Event, b backoff, logFailures bool) ([]DeliveryResult, error) {
	webhooks, err := d.source.ListWebhooks(ctx, true)
	if err != nil {
		d.logger.Error("failed to list webhooks", zap.String("event", ev.Event), zap.Error(err))
		return nil, err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to encode webhook event", zap.String("event", ev.Event), zap.Error(err))
		return nil, err
	}

	var targets []database.Webhook
	for _, w := range webhooks {
		if w.IsActive && w.Subscribed(ev.Event) {
			targets = append(targets, w)
		}
	}

	results := make([]DeliveryResult, len(targets))
	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.deliver(ctx, targets[i], ev.Event, body, b, logFailures)
		}(i)
	}
	wg.Wait()
	return results, nil
}

func (d *Dispatcher) deliver(ctx context.Context, w database.Webhook, event string, body []byte, b backoff, logFailure bool) DeliveryResult {
	result := DeliveryResult{WebhookID: w.ID, Name: w.Name}

	attempts, err := retry(ctx, b, d.sleep, func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return permanent(err)
		}
		status, err := d.send(ctx, w, body)
		result.StatusCode = status
		return err
	})
	result.Attempts = attempts

	if err == nil {
		result.Success = true
		d.observe(ResultDelivered)
		d.logger.Debug("webhook delivered",
			zap.String("webhook", w.Name),
			zap.String("event", event),
			zap.Int("status", result.StatusCode),
		)
		return result
	}

	result.Error = err.Error()
	d.observe(ResultFailed)
	d.logger.Warn("webhook delivery failed",
		zap.String("webhook", w.Name),
		zap.String("url", w.URL),
		zap.String("event", event),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)

	if logFailure {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		failure := &database.WebhookFailure{
			WebhookID:  w.ID,
			Event:      event,
			Payload:    string(body),
			Error:      result.Error,
			StatusCode: result.StatusCode,
			Attempts:   attempts,
		}
		if err := d.source.CreateWebhookFailure(recordCtx, failure); err != nil {
			d.logger.Error("failed to record webhook failure", zap.String("webhook", w.Name), zap.Error(err))
		}
	}
	return result
}

// send makes one HTTP call. 4xx responses other than 429 are permanent.
func (d *Dispatcher) send(ctx context.Context, w database.Webhook, body []byte) (int, error) {
	timeout := d.cfg.Timeout
	if w.TimeoutSeconds > 0 {
		timeout = time.Duration(w.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := w.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.ProductName+"/1.0")
	for key, value := range w.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return resp.StatusCode, permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	default:
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

func knownEvent(e string) bool {
	for _, k := range KnownEvents {
		if k == e {
			return true
		}
	}
	return false
}
