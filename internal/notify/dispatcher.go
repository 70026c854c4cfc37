// Package notify forwards lifecycle events from the event log to external sinks.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"ideafunnel/internal/config"
	"ideafunnel/internal/domain"
	"ideafunnel/internal/logger"
	"ideafunnel/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Source reads the event log. repo.Repo satisfies it.
type Source interface {
	ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Message is the wire form of one event.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func newMessage(evt domain.Event) Message {
	m := Message{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			m.Payload = json.RawMessage(evt.Payload)
		} else {
			m.PayloadRaw = evt.Payload
		}
	}
	return m
}

// Sink delivers one message. A returned error stops the sink's batch; the
// same message is retried on the next tick.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

type route struct {
	sink    Sink
	filter  eventFilter
	cursor  int64
	started bool
}

// Dispatcher polls the event log and pushes new events to every sink. Each
// sink keeps its own cursor, starting at the newest event when first polled.
type Dispatcher struct {
	Source   Source
	Interval time.Duration
	Batch    int
	Log      *logger.Logger

	mu     sync.Mutex
	routes []*route
}

func NewDispatcher(src Source, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		Source:   src,
		Interval: defaultInterval,
		Batch:    defaultBatch,
		Log:      log.With("component", "Notifier"),
	}
}

// FromConfig registers the configured webhooks and Redis channel. The
// returned close func releases sink connections.
func FromConfig(cfg *config.Config, src Source, log *logger.Logger) (*Dispatcher, func() error, error) {
	d := NewDispatcher(src, log)
	closeFn := func() error { return nil }
	if cfg == nil {
		return d, closeFn, nil
	}
	if cfg.Notify.Interval > 0 {
		d.Interval = cfg.Notify.Interval
	}
	for _, hook := range cfg.Notify.Webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.Add(NewWebhookSink(hook.URL), hook.Events)
	}
	if addr := strings.TrimSpace(cfg.Notify.Redis.Addr); addr != "" {
		rs, err := NewRedisSink(addr, cfg.Notify.Redis.Channel)
		if err != nil {
			return nil, nil, err
		}
		d.Add(rs, nil)
		closeFn = rs.Close
	}
	return d, closeFn, nil
}

// Add registers sink for the given event filters (all events when empty).
func (d *Dispatcher) Add(s Sink, events []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, &route{sink: s, filter: newEventFilter(events)})
}

// Len returns the number of registered sinks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.routes)
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one polling pass over every sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	d.mu.Lock()
	routes := append([]*route(nil), d.routes...)
	d.mu.Unlock()
	for _, r := range routes {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, r)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, r *route) {
	if !r.started {
		cur, err := d.Source.LatestEventID(ctx)
		if err != nil {
			d.Log.Warn("init cursor failed", "sink", r.sink.Name(), "error", err)
			return
		}
		r.cursor, r.started = cur, true
		return
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evs, err := d.Source.ListEvents(ctx, repo.EventFilters{AfterID: r.cursor, Limit: batch})
	if err != nil {
		d.Log.Warn("fetch events failed", "sink", r.sink.Name(), "error", err)
		return
	}
	for _, evt := range evs {
		if r.filter.match(evt.Type) {
			if err := r.sink.Deliver(ctx, newMessage(evt)); err != nil {
				d.Log.Warn("delivery failed", "sink", r.sink.Name(), "event_id", evt.ID, "error", err)
				return
			}
		}
		r.cursor = evt.ID
	}
}

// Seek positions every sink's cursor, e.g. to replay from 0.
func (d *Dispatcher) Seek(cursor int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.routes {
		r.cursor, r.started = cursor, true
	}
}

type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

// newEventFilter accepts exact types and "prefix.*" wildcards.
func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
