package taskflow

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestSession_LoginLoadsAndLogoutClears(t *testing.T) {
	_, srv := newFakeBackend(t)
	cache := newTestCache(t)
	ctx := context.Background()

	s, err := Login(ctx, SessionOptions{
		BaseURL:       srv.URL,
		Token:         "valid",
		Cache:         cache,
		ProbeInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	// The fake backend has no /health route; a 404 still counts as reachable.
	if s.Store.Offline() {
		t.Fatal("session should start online")
	}
	list := s.Store.Tasks()
	if len(list) != 1 || list[0].ID != "t1" {
		t.Fatalf("unexpected initial list %v", ids(list))
	}

	if _, err := cache.Enqueue(ctx, MutationDelete, "t1", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Logout(ctx, true); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if s.Store.Authenticated() || len(s.Store.Tasks()) != 0 {
		t.Fatal("store not released on logout")
	}
	tasks, _ := cache.Tasks(ctx)
	q, _ := cache.Queue(ctx)
	if len(tasks) != 0 || len(q) != 0 {
		t.Fatalf("cache not cleared: tasks=%d queue=%d", len(tasks), len(q))
	}
}

func TestSession_LoginOfflineUsesCache(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	_ = cache.SaveTasks(ctx, []Task{newTask("cached", time.Now())})

	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("network is unreachable")
	})}
	s, err := Login(ctx, SessionOptions{
		BaseURL:       "http://tasks.invalid",
		Token:         "valid",
		Cache:         cache,
		HTTPClient:    client,
		ProbeInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	defer s.Logout(ctx, false)

	if !s.Store.Offline() {
		t.Fatal("session should start offline")
	}
	list := s.Store.Tasks()
	if len(list) != 1 || list[0].ID != "cached" {
		t.Fatalf("want the cached task, got %v", ids(list))
	}
}

func TestSession_LoginRequiresToken(t *testing.T) {
	if _, err := Login(context.Background(), SessionOptions{Cache: newTestCache(t)}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
}
