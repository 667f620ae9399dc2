package taskflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:taskflow_"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	kv := NewSQLKV(openTestDB(t))
	if err := kv.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewCache(kv)
}

// brokenKV fails every operation.
type brokenKV struct{}

var errBrokenKV = errors.New("storage unavailable")

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errBrokenKV }
func (brokenKV) Set(context.Context, string, []byte) error { return errBrokenKV }
func (brokenKV) Delete(context.Context, ...string) error { return errBrokenKV }

func day(s string) *time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &d
}

func ptr[T any](v T) *T { return &v }

func newTask(id string, created time.Time) Task {
	return Task{
		ID:        id,
		Title:     "task " + id,
		Status:    StatusPending,
		Priority:  PriorityMedium,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// fakeGateway is an in-memory backend with failure injection.
type fakeGateway struct {
	mu     sync.Mutex
	tasks  map[string]Task
	nextID int
	now    time.Time

	// fail maps an operation name ("list", "create", ...) to the error it returns.
	fail map[string]error
	// pages, when set, is what List returns per page number.
	pages map[int][]Task
	total int64

	calls []string
	// createGate, when set, blocks Create until closed. createEntered is
	// signalled when a Create reaches the gate.
	createGate    chan struct{}
	createEntered chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tasks: make(map[string]Task),
		fail:  make(map[string]error),
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (g *fakeGateway) seed(tasks ...Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range tasks {
		g.tasks[t.ID] = t
	}
}

func (g *fakeGateway) setFail(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.fail, op)
		return
	}
	g.fail[op] = err
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) record(op, id string) error {
	g.calls = append(g.calls, op+":"+id)
	return g.fail[op]
}

func notFound() error {
	return &APIError{StatusCode: http.StatusNotFound, Message: "task not found"}
}

func (g *fakeGateway) List(_ context.Context, filter ListFilter) (*ListResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("list", fmt.Sprint(filter.Page)); err != nil {
		return nil, err
	}
	if g.pages != nil {
		page := append([]Task(nil), g.pages[filter.Page]...)
		return &ListResult{Tasks: page, Total: g.total, Page: filter.Page, PageSize: filter.PageSize}, nil
	}
	var out []Task
	for _, t := range g.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &ListResult{Tasks: out, Total: int64(len(out)), Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (g *fakeGateway) Get(_ context.Context, id string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("get", id); err != nil {
		return nil, err
	}
	t, ok := g.tasks[id]
	if !ok {
		return nil, notFound()
	}
	return &t, nil
}

func (g *fakeGateway) Create(_ context.Context, in CreateTaskInput) (*Task, error) {
	g.mu.Lock()
	gate, entered := g.createGate, g.createEntered
	g.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("create", in.Title); err != nil {
		return nil, err
	}
	g.nextID++
	p := in.Priority
	if p == "" {
		p = PriorityMedium
	}
	t := Task{
		ID:        fmt.Sprintf("srv-%d", g.nextID),
		Title:     in.Title,
		Status:    StatusPending,
		Priority:  p,
		DueDate:   in.DueDate,
		CreatedAt: g.now,
		UpdatedAt: g.now,
		State:     StateConfirmed,
	}
	g.tasks[t.ID] = t
	return &t, nil
}

func (g *fakeGateway) Update(_ context.Context, id string, in UpdateTaskInput) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("update", id); err != nil {
		return nil, err
	}
	t, ok := g.tasks[id]
	if !ok {
		return nil, notFound()
	}
	t = in.apply(t)
	g.tasks[id] = t
	return &t, nil
}

func (g *fakeGateway) Delete(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("delete", id); err != nil {
		return err
	}
	if _, ok := g.tasks[id]; !ok {
		return notFound()
	}
	delete(g.tasks, id)
	return nil
}

func (g *fakeGateway) ChangeStatus(_ context.Context, id string, status Status) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("status", id); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Message: "invalid status"}
	}
	t, ok := g.tasks[id]
	if !ok {
		return nil, notFound()
	}
	t.Status = status
	g.tasks[id] = t
	return &t, nil
}

func (g *fakeGateway) Assign(_ context.Context, id, userID string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.record("assign", id); err != nil {
		return nil, err
	}
	t, ok := g.tasks[id]
	if !ok {
		return nil, notFound()
	}
	t.AssignedTo = &userID
	g.tasks[id] = t
	return &t, nil
}

func unreachable() error {
	return fmt.Errorf("%w: dial tcp: connection refused", ErrUnreachable)
}
