package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"evalflow/internal/config"
	"evalflow/internal/domain"
	"evalflow/internal/notify"
	"evalflow/internal/observability"
	"evalflow/internal/repo"
)

type memEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memEvents) add(typ, taskID, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{ID: int64(len(m.events) + 1), Type: typ, TaskID: taskID, EntityKind: "task", EntityID: taskID, Payload: payload})
}

func (m *memEvents) ListEvents(_ context.Context, f repo.EventFilters) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Event
	for _, e := range m.events {
		if e.ID > f.Cursor && len(res) < f.Limit {
			res = append(res, e)
		}
	}
	return res, nil
}

func (m *memEvents) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

type delivery struct {
	Event    string
	Delivery string
	Secret   string
	Body     map[string]any
}

type receiver struct {
	mu     sync.Mutex
	got    []delivery
	status int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var body map[string]any
	_ = json.NewDecoder(req.Body).Decode(&body)
	if r.status != 0 && r.status != http.StatusOK {
		w.WriteHeader(r.status)
		return
	}
	r.got = append(r.got, delivery{
		Event:    req.Header.Get("X-Evalflow-Event"),
		Delivery: req.Header.Get("X-Evalflow-Delivery"),
		Secret:   req.Header.Get("X-Evalflow-Secret"),
		Body:     body,
	})
}

func (r *receiver) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func newTestEnv(t *testing.T, hook config.WebhookConfig) (*notify.Dispatcher, *memEvents, *receiver) {
	t.Helper()
	rcv := &receiver{}
	srv := httptest.NewServer(rcv)
	t.Cleanup(srv.Close)
	hook.URL = srv.URL
	events := &memEvents{}
	return notify.New(events, []config.WebhookConfig{hook}, observability.Discard()), events, rcv
}

func TestDispatchSkipsHistoryAndDeliversNewEvents(t *testing.T) {
	d, events, rcv := newTestEnv(t, config.WebhookConfig{Secret: "s3cret"})
	ctx := context.Background()
	events.add("task.created", "t1", `{"name":"old"}`)
	d.DispatchOnce(ctx)
	if n := len(rcv.deliveries()); n != 0 {
		t.Fatalf("history replayed: %d deliveries", n)
	}

	events.add("task.finished", "t1", `{"avg_score":0.5}`)
	d.DispatchOnce(ctx)
	got := rcv.deliveries()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].Event != "task.finished" || got[0].Delivery != "2" || got[0].Secret != "s3cret" {
		t.Fatalf("headers: %+v", got[0])
	}
	payload, _ := got[0].Body["payload"].(map[string]any)
	if got[0].Body["task_id"] != "t1" || payload["avg_score"] != 0.5 {
		t.Fatalf("body: %+v", got[0].Body)
	}

	d.DispatchOnce(ctx)
	if len(rcv.deliveries()) != 1 {
		t.Fatalf("event delivered twice")
	}
}

func TestDispatchFiltersEventTypes(t *testing.T) {
	d, events, rcv := newTestEnv(t, config.WebhookConfig{Events: []string{"task.finished"}})
	ctx := context.Background()
	d.DispatchOnce(ctx)
	events.add("task.created", "t1", "")
	events.add("task.finished", "t1", "not json")
	d.DispatchOnce(ctx)
	got := rcv.deliveries()
	if len(got) != 1 || got[0].Event != "task.finished" {
		t.Fatalf("deliveries: %+v", got)
	}
	if got[0].Body["payload_raw"] != "not json" {
		t.Fatalf("raw payload not passed through: %+v", got[0].Body)
	}
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	d, events, rcv := newTestEnv(t, config.WebhookConfig{})
	ctx := context.Background()
	d.DispatchOnce(ctx)
	rcv.mu.Lock()
	rcv.status = http.StatusBadGateway
	rcv.mu.Unlock()
	events.add("task.stopped", "t2", "{}")
	d.DispatchOnce(ctx)
	if len(rcv.deliveries()) != 0 {
		t.Fatalf("unexpected delivery")
	}
	rcv.mu.Lock()
	rcv.status = http.StatusOK
	rcv.mu.Unlock()
	d.DispatchOnce(ctx)
	if got := rcv.deliveries(); len(got) != 1 || got[0].Event != "task.stopped" {
		t.Fatalf("retry not delivered: %+v", got)
	}
}

func TestDisabledHookIsSkipped(t *testing.T) {
	off := false
	d, events, rcv := newTestEnv(t, config.WebhookConfig{Enabled: &off})
	ctx := context.Background()
	d.DispatchOnce(ctx)
	events.add("task.created", "t3", "{}")
	d.DispatchOnce(ctx)
	if len(rcv.deliveries()) != 0 {
		t.Fatalf("disabled hook received events")
	}
}
