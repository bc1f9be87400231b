// Package webhooks delivers run lifecycle notifications to external HTTP
// endpoints, with HMAC signing and a bounded delivery history
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the run transition that triggered a delivery
type EventType string

const (
	EventRunEscalated EventType = "run.escalated"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventSLAViolation EventType = "sla.violation"
)

// Endpoint is one configured webhook destination
type Endpoint struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Events  []EventType       `json:"events"`
	Headers map[string]string `json:"headers,omitempty"`
	Enabled bool              `json:"enabled"`

	CreatedAt int64 `json:"created_at"`
}

// Payload is the JSON body sent to endpoints
type Payload struct {
	Event      EventType      `json:"event"`
	Timestamp  int64          `json:"timestamp"`
	EndpointID string         `json:"endpoint_id"`
	DeliveryID string         `json:"delivery_id"`
	Data       map[string]any `json:"data"`
}

// RunEventData is the run payload carried by every delivery
type RunEventData struct {
	RunID  string  `json:"run_id"`
	State  string  `json:"state"`
	Reason string  `json:"reason,omitempty"`
	Cost   float64 `json:"cost,omitempty"`
}

// DeliveryResult records one delivery attempt
type DeliveryResult struct {
	EndpointID string
	DeliveryID string
	Event      EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
	Timestamp  int64
}

type deliveryTask struct {
	endpoint *Endpoint
	payload  *Payload
}

// Manager registers endpoints and delivers payloads through a worker
// pool. Deliveries are best-effort; a full queue drops rather than
// blocking the caller.
type Manager struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    *log.Logger
	client    *http.Client
	delivery  chan *deliveryTask
	stopCh    chan struct{}
	wg        sync.WaitGroup

	historyMu   sync.Mutex
	history     []*DeliveryResult
	historySize int
	historyPos  int
}

// NewManager creates a webhook manager
func NewManager() *Manager {
	return &Manager{
		endpoints:   make(map[string]*Endpoint),
		logger:      log.New(os.Stdout, "[webhooks] ", log.LstdFlags),
		client:      &http.Client{Timeout: 30 * time.Second},
		delivery:    make(chan *deliveryTask, 1000),
		stopCh:      make(chan struct{}),
		history:     make([]*DeliveryResult, 0, 100),
		historySize: 100,
	}
}

// SetLogger sets the manager's logger
func (m *Manager) SetLogger(logger *log.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// Start launches the delivery workers
func (m *Manager) Start(workers int) {
	m.logger.Printf("starting with %d delivery workers", workers)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker()
	}
}

// Stop drains the delivery workers, bounded by ctx
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Printf("stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds an endpoint. An empty event list subscribes to all events.
func (m *Manager) Register(ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ep.ID == "" {
		return fmt.Errorf("endpoint ID is required")
	}
	if ep.URL == "" {
		return fmt.Errorf("endpoint URL is required")
	}

	ep.CreatedAt = time.Now().Unix()
	m.endpoints[ep.ID] = ep
	m.logger.Printf("registered endpoint %s -> %s", ep.ID, ep.URL)
	return nil
}

// Unregister removes an endpoint
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	delete(m.endpoints, id)
	return nil
}

// List returns copies of all registered endpoints
func (m *Manager) List() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		epCopy := *ep
		out = append(out, &epCopy)
	}
	return out
}

// Emit queues an event for delivery to every subscribed endpoint
func (m *Manager) Emit(event EventType, data map[string]any) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ep := range m.endpoints {
		if !ep.Enabled || !subscribed(ep, event) {
			continue
		}

		payload := &Payload{
			Event:      event,
			Timestamp:  time.Now().Unix(),
			EndpointID: ep.ID,
			DeliveryID: uuid.New().String(),
			Data:       data,
		}

		select {
		case m.delivery <- &deliveryTask{endpoint: ep, payload: payload}:
		default:
			m.logger.Printf("delivery queue full, dropping %s for endpoint %s", event, ep.ID)
		}
	}
}

// NotifyRunEscalated reports a run handed off for human approval
func (m *Manager) NotifyRunEscalated(runID, reason string) {
	m.Emit(EventRunEscalated, map[string]any{
		"run": RunEventData{RunID: runID, State: "escalated", Reason: reason},
	})
}

// NotifyRunCompleted reports a successfully completed run
func (m *Manager) NotifyRunCompleted(runID string, cost float64) {
	m.Emit(EventRunCompleted, map[string]any{
		"run": RunEventData{RunID: runID, State: "completed", Cost: cost},
	})
}

// NotifyRunFailed reports a run halted by an SLO breach
func (m *Manager) NotifyRunFailed(runID, reason string) {
	m.Emit(EventRunFailed, map[string]any{
		"run": RunEventData{RunID: runID, State: "failed", Reason: reason},
	})
}

// NotifySLAViolation reports a recorded SLA violation
func (m *Manager) NotifySLAViolation(runID, detail string) {
	m.Emit(EventSLAViolation, map[string]any{
		"run": RunEventData{RunID: runID, State: "running", Reason: detail},
	})
}

// GetDeliveryHistory returns up to limit recent delivery results
func (m *Manager) GetDeliveryHistory(limit int) []*DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	if limit == 0 {
		return nil
	}

	out := make([]*DeliveryResult, limit)
	start := (m.historyPos - limit + len(m.history)) % len(m.history)
	for i := 0; i < limit; i++ {
		out[i] = m.history[(start+i)%len(m.history)]
	}
	return out
}

func subscribed(ep *Endpoint, event EventType) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()

	for {
		select {
		case task := <-m.delivery:
			m.deliver(task)
		case <-m.stopCh:
			return
		}
	}
}

// deliver posts one payload to its endpoint and records the result
func (m *Manager) deliver(task *deliveryTask) {
	start := time.Now()
	result := &DeliveryResult{
		EndpointID: task.endpoint.ID,
		DeliveryID: task.payload.DeliveryID,
		Event:      task.payload.Event,
		Timestamp:  start.Unix(),
	}

	body, err := json.Marshal(task.payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshaling payload: %v", err)
		m.recordDelivery(result)
		return
	}

	req, err := http.NewRequest(http.MethodPost, task.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("creating request: %v", err)
		m.recordDelivery(result)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MetaBuilder-Webhooks/1.0")
	req.Header.Set("X-Webhook-Delivery-ID", task.payload.DeliveryID)
	req.Header.Set("X-Webhook-Event", string(task.payload.Event))
	for k, v := range task.endpoint.Headers {
		req.Header.Set(k, v)
	}
	if task.endpoint.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, task.endpoint.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		m.recordDelivery(result)
		m.logger.Printf("%s delivery to %s failed: %v", task.payload.Event, task.endpoint.URL, err)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.DurationMS = time.Since(start).Milliseconds()
	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		m.logger.Printf("%s delivery to %s failed: HTTP %d", task.payload.Event, task.endpoint.URL, resp.StatusCode)
	}

	m.recordDelivery(result)
}

func (m *Manager) recordDelivery(result *DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if len(m.history) < m.historySize {
		m.history = append(m.history, result)
	} else {
		m.history[m.historyPos] = result
		m.historyPos = (m.historyPos + 1) % m.historySize
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an HMAC signature produced by a delivery
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}
