// Package notify relays committed activity entries to webhooks and NATS.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clawcontrol/internal/domain"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Event is the wire form of one activity entry.
type Event struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ActionKind string          `json:"action_kind,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	ActorType  string          `json:"actor_type"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// NewEvent converts a stored activity; a payload that is not valid JSON is
// carried as PayloadRaw.
func NewEvent(a domain.Activity) Event {
	ev := Event{
		ID:         a.ID,
		Type:       a.Type,
		ActionKind: a.ActionKind,
		EntityKind: a.EntityKind,
		EntityID:   a.EntityID,
		ActorID:    a.ActorID,
		ActorType:  a.ActorType,
		TS:         a.TS,
		Payload:    json.RawMessage("{}"),
	}
	if a.Payload != "" {
		if json.Valid([]byte(a.Payload)) {
			ev.Payload = json.RawMessage(a.Payload)
		} else {
			ev.PayloadRaw = a.Payload
		}
	}
	return ev
}

// Sink receives events in id order.
type Sink interface {
	Name() string
	Accepts(activityType string) bool
	Deliver(ctx context.Context, ev Event) error
}

// Relay polls the activity table and fans new entries out to sinks. Each sink
// keeps its own cursor; a failed delivery stops that sink until the next poll.
type Relay struct {
	Repo     repo.Repo
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func NewRelay(r repo.Repo, sinks []Sink, log *slog.Logger) *Relay {
	if log == nil {
		log = logger.Discard()
	}
	return &Relay{Repo: r, Sinks: sinks, Interval: defaultInterval, Batch: defaultBatch, Logger: log, cursors: map[string]int64{}}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	if len(r.Sinks) == 0 {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll delivers one batch to every sink.
func (r *Relay) Poll(ctx context.Context) {
	for _, s := range r.Sinks {
		r.pollSink(ctx, s)
	}
}

func (r *Relay) pollSink(ctx context.Context, s Sink) {
	cursor, err := r.cursorFor(ctx, s.Name())
	if err != nil {
		r.Logger.WarnContext(ctx, "notify: init cursor failed", "sink", s.Name(), "err", err)
		return
	}
	acts, err := r.Repo.ActivitiesAfter(ctx, r.Batch, cursor)
	if err != nil {
		r.Logger.WarnContext(ctx, "notify: fetch activities failed", "sink", s.Name(), "err", err)
		return
	}
	for _, a := range acts {
		if s.Accepts(a.Type) {
			if err := s.Deliver(ctx, NewEvent(a)); err != nil {
				r.Logger.WarnContext(ctx, "notify: delivery failed", "sink", s.Name(), "activity_id", a.ID, "err", err)
				return
			}
		}
		r.setCursor(s.Name(), a.ID)
	}
}

// cursorFor starts a new sink at the latest activity so history is not replayed.
func (r *Relay) cursorFor(ctx context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors == nil {
		r.cursors = map[string]int64{}
	}
	if cur, ok := r.cursors[name]; ok {
		return cur, nil
	}
	cur, err := r.Repo.LatestActivityID(ctx)
	if err != nil {
		return 0, err
	}
	r.cursors[name] = cur
	return cur, nil
}

func (r *Relay) setCursor(name string, id int64) {
	r.mu.Lock()
	r.cursors[name] = id
	r.mu.Unlock()
}

// Filter matches activity types; an empty filter matches everything.
// Entries ending in ".*" match by prefix.
type Filter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func NewFilter(types []string) Filter {
	f := Filter{exact: map[string]struct{}{}}
	for _, t := range types {
		t = strings.TrimSpace(t)
		switch {
		case t == "":
		case t == "*":
			f.all = true
		case strings.HasSuffix(t, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(t, "*"))
		default:
			f.exact[t] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f Filter) Match(activityType string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[activityType]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(activityType, p) {
			return true
		}
	}
	return false
}
