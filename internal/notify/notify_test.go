package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/config"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/testdb"
)

type recordingSink struct {
	name   string
	filter Filter
	fail   bool
	got    []Event
}

func (s *recordingSink) Name() string                     { return s.name }
func (s *recordingSink) Accepts(activityType string) bool { return s.filter.Match(activityType) }
func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	if s.fail {
		return errors.New("down")
	}
	s.got = append(s.got, ev)
	return nil
}

func appendActivity(t *testing.T, r repo.Repo, typ string) {
	t.Helper()
	err := activity.Writer{}.Append(context.Background(), r.DB, activity.Entry{
		Type:       typ,
		EntityKind: activity.EntityOperation,
		EntityID:   "op-1",
		Actor:      domain.Actor{ID: "op", Type: domain.ActorOperator},
		Payload:    activity.Payload{"k": "v"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestRelaySkipsHistoryAndFilters(t *testing.T) {
	r := repo.Repo{DB: testdb.Open(t)}
	ctx := context.Background()
	appendActivity(t, r, "work_order.created")

	ops := &recordingSink{name: "ops", filter: NewFilter([]string{"operation.*"})}
	all := &recordingSink{name: "all", filter: NewFilter(nil)}
	relay := NewRelay(r, []Sink{ops, all}, nil)
	relay.Poll(ctx)
	if len(ops.got)+len(all.got) != 0 {
		t.Fatalf("history must not be replayed")
	}

	appendActivity(t, r, "operation.completed")
	appendActivity(t, r, "approval.created")
	relay.Poll(ctx)
	if len(ops.got) != 1 || ops.got[0].Type != "operation.completed" {
		t.Fatalf("unexpected ops events %+v", ops.got)
	}
	if len(all.got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all.got))
	}
	var payload map[string]string
	if err := json.Unmarshal(all.got[0].Payload, &payload); err != nil || payload["k"] != "v" {
		t.Fatalf("payload not carried: %s", all.got[0].Payload)
	}
	relay.Poll(ctx)
	if len(all.got) != 2 {
		t.Fatalf("events delivered twice")
	}
}

func TestRelayRetriesAfterFailure(t *testing.T) {
	r := repo.Repo{DB: testdb.Open(t)}
	ctx := context.Background()
	sink := &recordingSink{name: "flaky", filter: NewFilter(nil)}
	relay := NewRelay(r, []Sink{sink}, nil)
	relay.Poll(ctx)

	appendActivity(t, r, "operation.escalated")
	sink.fail = true
	relay.Poll(ctx)
	sink.fail = false
	relay.Poll(ctx)
	if len(sink.got) != 1 || sink.got[0].Type != "operation.escalated" {
		t.Fatalf("expected redelivery, got %+v", sink.got)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	disabled := false
	sinks := Webhooks([]config.WebhookConfig{
		{URL: srv.URL, Secret: "s3cret", Events: []string{"security.scan_override"}},
		{URL: srv.URL + "/off", Enabled: &disabled},
	})
	if len(sinks) != 1 {
		t.Fatalf("expected one enabled webhook, got %d", len(sinks))
	}
	wh := sinks[0]
	if wh.Accepts("operation.completed") || !wh.Accepts("security.scan_override") {
		t.Fatalf("webhook filter mismatch")
	}
	if err := wh.Deliver(context.Background(), Event{ID: 7, Type: "security.scan_override", Payload: json.RawMessage("{}")}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(headers) != 1 || headers[0].Get("X-ClawControl-Secret") != "s3cret" || headers[0].Get("X-ClawControl-Delivery") != "7" {
		t.Fatalf("unexpected headers %+v", headers)
	}
}

func TestWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhook(config.WebhookConfig{URL: srv.URL}).Deliver(context.Background(), Event{ID: 1}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

type fakePublisher struct {
	subjects []string
}

func (p *fakePublisher) Publish(subject string, _ []byte) error {
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestNATSSubject(t *testing.T) {
	pub := &fakePublisher{}
	n := &NATS{Conn: pub, Subject: "clawcontrol.activity"}
	if err := n.Deliver(context.Background(), Event{Type: "operation.completed"}); err != nil {
		t.Fatal(err)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "clawcontrol.activity.operation.completed" {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close without connection: %v", err)
	}
}
