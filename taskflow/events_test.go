package taskflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestApplyEvent(t *testing.T) {
	c := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	list := []Task{newTask("a", c), newTask("b", c)}

	t.Run("created prepends", func(t *testing.T) {
		n := newTask("n", c)
		got, changed := ApplyEvent(list, TaskEvent{Type: EventCreated, TaskID: "n", Task: &n})
		if !changed || len(got) != 3 || got[0].ID != "n" {
			t.Fatalf("unexpected list %v changed=%v", ids(got), changed)
		}
	})
	t.Run("created for a listed id is ignored", func(t *testing.T) {
		dup := newTask("a", c)
		dup.Title = "other"
		got, changed := ApplyEvent(list, TaskEvent{Type: EventCreated, TaskID: "a", Task: &dup})
		if changed || len(got) != 2 || got[0].Title != "task a" {
			t.Fatalf("duplicate create altered the list: %+v", got)
		}
	})
	t.Run("updated replaces", func(t *testing.T) {
		up := newTask("b", c)
		up.Title = "renamed"
		got, changed := ApplyEvent(list, TaskEvent{Type: EventUpdated, TaskID: "b", Task: &up})
		if !changed || got[1].Title != "renamed" || list[1].Title != "task b" {
			t.Fatalf("update not applied as a copy: %+v", got)
		}
	})
	t.Run("updated for an unknown id is ignored", func(t *testing.T) {
		up := newTask("zz", c)
		got, changed := ApplyEvent(list, TaskEvent{Type: EventUpdated, TaskID: "zz", Task: &up})
		if changed || len(got) != 2 {
			t.Fatalf("unexpected change: %v", ids(got))
		}
	})
	t.Run("deleted removes", func(t *testing.T) {
		got, changed := ApplyEvent(list, TaskEvent{Type: EventDeleted, TaskID: "a"})
		if !changed || len(got) != 1 || got[0].ID != "b" {
			t.Fatalf("unexpected list %v", ids(got))
		}
	})
	t.Run("assigned with task replaces", func(t *testing.T) {
		as := newTask("a", c)
		as.AssignedTo = ptr("u2")
		got, changed := ApplyEvent(list, TaskEvent{Type: EventAssigned, TaskID: "a", Task: &as, UserID: "u2"})
		if !changed || got[0].AssignedTo == nil || *got[0].AssignedTo != "u2" {
			t.Fatalf("assignment not applied: %+v", got[0])
		}
	})
}

func TestHub_FanOutAndClose(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := NewHub(logger)
	var mu sync.Mutex
	var a, b []string
	subA, _ := h.Subscribe(context.Background(), func(ev TaskEvent) {
		mu.Lock()
		a = append(a, ev.TaskID)
		mu.Unlock()
	})
	_, _ = h.Subscribe(context.Background(), func(ev TaskEvent) {
		mu.Lock()
		b = append(b, ev.TaskID)
		mu.Unlock()
	})
	_, _ = h.Subscribe(context.Background(), func(TaskEvent) { panic("bad handler") })

	h.Publish(TaskEvent{Type: EventDeleted, TaskID: "1"})
	h.Publish(TaskEvent{Type: EventDeleted, TaskID: "2"})
	if err := subA.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = subA.Close()
	h.Publish(TaskEvent{Type: EventDeleted, TaskID: "3"})

	mu.Lock()
	defer mu.Unlock()
	if len(a) != 2 || a[0] != "1" || a[1] != "2" {
		t.Fatalf("subscriber a saw %v", a)
	}
	if len(b) != 3 || b[2] != "3" {
		t.Fatalf("subscriber b saw %v", b)
	}
	if h.Subscribers() != 2 {
		t.Fatalf("want 2 subscribers, got %d", h.Subscribers())
	}
	panics := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "event handler panicked" && e.Data["panic"] == "bad handler" {
			panics++
		}
	}
	if panics != 3 {
		t.Fatalf("want every recovered panic logged, got %d entries", panics)
	}
}

func TestWSChannel_DeliversEvents(t *testing.T) {
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ws" {
			http.NotFound(w, r)
			return
		}
		tokens <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		task := newTask("t9", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		for _, ev := range []TaskEvent{
			{Type: EventCreated, TaskID: "t9", Task: &task, UserID: "u1"},
			{Type: EventDeleted, TaskID: "t9", UserID: "u1"},
		} {
			b, _ := json.Marshal(ev)
			if err := conn.Write(r.Context(), websocket.MessageText, b); err != nil {
				return
			}
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch := NewWSChannel(WSChannelOptions{BaseURL: srv.URL, Token: "secret"})
	got := make(chan TaskEvent, 4)
	sub, err := ch.Subscribe(context.Background(), func(ev TaskEvent) { got <- ev })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	ch.Start(context.Background())
	defer ch.Stop()

	select {
	case tok := <-tokens:
		if tok != "secret" {
			t.Fatalf("want token secret, got %q", tok)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel never connected")
	}
	for i, want := range []EventType{EventCreated, EventDeleted} {
		select {
		case ev := <-got:
			if ev.Type != want {
				t.Fatalf("event %d: want %s got %s", i, want, ev.Type)
			}
			if ev.Task != nil && ev.Task.State != StateConfirmed {
				t.Fatalf("pushed tasks are server state, got %q", ev.Task.State)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestReconnectDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := reconnectDelay(i + 1); got != w {
			t.Errorf("attempt %d: want %s got %s", i+1, w, got)
		}
	}
}
