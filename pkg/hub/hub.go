package hub

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kfsoftware/bims-ledger/pkg/metrics"
	"github.com/kfsoftware/bims-ledger/pkg/session"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBufferSize = 64

	ConnectedEvent = "connected"
	ConnectedData  = "Session established"
)

// ErrHubClosed is returned by Subscribe once the hub has been closed.
var ErrHubClosed = errors.New("hub: closed")

// Event is one named message in event-stream framing. Data is the encoded
// payload; Payload is kept for in-process subscribers.
type Event struct {
	Name    string
	Data    []byte
	Payload interface{}
}

// NewEvent encodes payload once. Strings and byte slices are sent as is,
// anything else as JSON.
func NewEvent(name string, payload interface{}) (Event, error) {
	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return Event{}, errors.Wrapf(err, "encoding %s event", name)
		}
	}
	return Event{Name: name, Data: data, Payload: payload}, nil
}

// Frame renders e as a server-sent event.
func (e Event) Frame() []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(e.Name)
	buf.WriteByte('\n')
	for _, line := range strings.Split(string(e.Data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(strings.TrimSuffix(line, "\r"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Subscriber is a registered event stream. Events are queued in a bounded
// buffer; Done is closed when the hub drops or removes the subscriber.
type Subscriber struct {
	id       uint64
	identity session.Identity
	events   chan Event
	done     chan struct{}
	once     sync.Once
}

func (s *Subscriber) ID() uint64 {
	return s.id
}

func (s *Subscriber) Identity() session.Identity {
	return s.identity
}

// Events delivers the subscriber's events in publish order.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Done is closed once the subscriber is no longer registered.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

type Option func(*Hub)

// WithBufferSize sets how many undelivered events a subscriber may have
// before it is dropped.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// Hub fans published events out to every registered subscriber.
type Hub struct {
	nextID     uint64 // atomic
	bufferSize int

	mu          sync.Mutex
	subscribers []*Subscriber
	closed      bool
}

func New(opts ...Option) *Hub {
	h := &Hub{
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber. Its first event is the connected
// acknowledgement, which no other subscriber sees.
func (h *Hub) Subscribe(identity session.Identity) (*Subscriber, error) {
	sub := &Subscriber{
		id:       atomic.AddUint64(&h.nextID, 1),
		identity: identity,
		events:   make(chan Event, h.bufferSize+1),
		done:     make(chan struct{}),
	}
	ack, _ := NewEvent(ConnectedEvent, ConnectedData)
	sub.events <- ack

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.subscribers = append(h.subscribers, sub)
	metrics.Subscribers.Set(float64(len(h.subscribers)))
	log.Infof("Subscriber %d (%s) connected, %d live", sub.id, identity.Email, len(h.subscribers))
	return sub, nil
}

// Unsubscribe removes sub. It is safe to call more than once and after the
// hub dropped the subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	removed := h.remove(sub)
	n := len(h.subscribers)
	h.mu.Unlock()
	if removed {
		log.Infof("Subscriber %d (%s) disconnected, %d live", sub.id, sub.identity.Email, n)
	}
}

// Drop removes sub after a failed delivery.
func (h *Hub) Drop(sub *Subscriber, reason string, err error) {
	h.mu.Lock()
	removed := h.remove(sub)
	h.mu.Unlock()
	if removed {
		metrics.SubscribersDropped.WithLabelValues(reason).Inc()
		log.Warnf("Dropped subscriber %d (%s): %s: %v", sub.id, sub.identity.Email, reason, err)
	}
}

// remove must be called with mu held.
func (h *Hub) remove(sub *Subscriber) bool {
	for i, s := range h.subscribers {
		if s == sub {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			metrics.Subscribers.Set(float64(len(h.subscribers)))
			sub.close()
			return true
		}
	}
	sub.close()
	return false
}

// Publish offers the event to every subscriber in registration order
// without blocking. A subscriber whose buffer is full is dropped.
func (h *Hub) Publish(eventName string, payload interface{}) {
	event, err := NewEvent(eventName, payload)
	if err != nil {
		log.Errorf("Failed to publish %s: %v", eventName, err)
		return
	}

	h.mu.Lock()
	var slow []*Subscriber
	kept := h.subscribers[:0]
	for _, sub := range h.subscribers {
		select {
		case sub.events <- event:
			kept = append(kept, sub)
		default:
			slow = append(slow, sub)
		}
	}
	for i := len(kept); i < len(h.subscribers); i++ {
		h.subscribers[i] = nil
	}
	h.subscribers = kept
	n := len(kept)
	metrics.Subscribers.Set(float64(n))
	h.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(eventName).Inc()
	for _, sub := range slow {
		sub.close()
		metrics.SubscribersDropped.WithLabelValues(metrics.ReasonSlowConsumer).Inc()
		log.Warnf("Dropped slow subscriber %d (%s)", sub.id, sub.identity.Email)
	}
	log.Debugf("Broadcast event '%s' to %d clients", eventName, n)
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close drops every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = nil
	h.closed = true
	metrics.Subscribers.Set(0)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
		metrics.SubscribersDropped.WithLabelValues(metrics.ReasonHubClosed).Inc()
	}
}
