package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callmeter/internal/calls"
	"callmeter/internal/reporting"
)

var (
	ErrQueueFull = errors.New("publisher: event queue full")
	ErrClosed    = errors.New("publisher: event queue closed")
)

// CallEvents turns lifecycle changes and classifications into MQTT messages:
//
//	<prefix>/calls/<call_id>/<status>
//	<prefix>/anomalies/<label>
//
// Messages are queued and published by a single worker so callers never wait
// on the broker. Publishing is best effort: a full queue drops the message and
// publish failures are logged.
type CallEvents struct {
	pub     Publisher
	prefix  string
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan outbound
	done   chan struct{}
}

type outbound struct {
	topic   string
	payload []byte
	callID  string
}

// NewCallEvents starts the publish worker. queueSize <= 0 uses 1024. Call
// Close to flush and stop it.
func NewCallEvents(pub Publisher, prefix string, log *slog.Logger, queueSize int) *CallEvents {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	e := &CallEvents{
		pub:     pub,
		prefix:  strings.TrimSuffix(prefix, "/"),
		log:     log,
		timeout: 3 * time.Second,
		queue:   make(chan outbound, queueSize),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

type callPayload struct {
	Event string            `json:"event"`
	From  calls.Status      `json:"from,omitempty"`
	Call  calls.CallSession `json:"call"`
	At    time.Time         `json:"at"`
}

type anomalyPayload struct {
	Event          string                   `json:"event"`
	Classification reporting.Classification `json:"classification"`
	At             time.Time                `json:"at"`
}

// CallChanged implements calls.Observer.
func (e *CallEvents) CallChanged(_ context.Context, ev calls.Event) {
	payload, err := json.Marshal(callPayload{
		Event: "call_" + string(ev.Call.Status),
		From:  ev.From,
		Call:  ev.Call,
		At:    ev.Call.UpdatedAt,
	})
	if err != nil {
		e.log.Error("marshal call event", "call_id", ev.Call.CallID, "err", err)
		return
	}
	if err := e.enqueue(outbound{topic: e.CallTopic(ev.Call.CallID, ev.Call.Status), payload: payload, callID: ev.Call.CallID}); err != nil {
		e.log.Warn("call event dropped", "call_id", ev.Call.CallID, "status", ev.Call.Status, "err", err)
	}
}

// PublishClassification implements reporting.Sink. It returns once the
// message is queued.
func (e *CallEvents) PublishClassification(_ context.Context, c reporting.Classification) error {
	payload, err := json.Marshal(anomalyPayload{
		Event:          "call_classified",
		Classification: c,
		At:             time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return e.enqueue(outbound{topic: e.AnomalyTopic(c.Label), payload: payload, callID: c.CallID})
}

func (e *CallEvents) CallTopic(callID string, status calls.Status) string {
	return e.prefix + "/calls/" + callID + "/" + string(status)
}

func (e *CallEvents) AnomalyTopic(label reporting.Label) string {
	return e.prefix + "/anomalies/" + string(label)
}

// Close stops accepting messages and waits until the queue is drained or ctx
// ends.
func (e *CallEvents) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush call events: %w", ctx.Err())
	}
}

func (e *CallEvents) enqueue(m outbound) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *CallEvents) run() {
	defer close(e.done)
	for m := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		err := e.pub.Publish(ctx, m.topic, m.payload)
		cancel()
		if err != nil {
			e.log.Warn("publish event failed", "call_id", m.callID, "topic", m.topic, "err", err)
		}
	}
}
