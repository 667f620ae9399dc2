package taskflow

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestSyncEngine_ReplaysInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	gw := newFakeGateway()
	c := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw.seed(newTask("a", c), newTask("b", c), newTask("c", c))

	_, _ = cache.Enqueue(ctx, MutationUpdate, "b", UpdateTaskInput{Title: ptr("B")})
	_, _ = cache.Enqueue(ctx, MutationUpdateStatus, "a", statusPayload{Status: StatusCompleted})
	_, _ = cache.Enqueue(ctx, MutationDelete, "c", nil)

	report, err := NewSyncEngine(SyncOptions{Gateway: gw, Cache: cache}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Attempted != 3 || report.Succeeded != 3 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	want := []string{"update:b", "status:a", "delete:c"}
	if got := gw.callLog(); !reflect.DeepEqual(got, want) {
		t.Fatalf("want calls %v, got %v", want, got)
	}
	if q, _ := cache.Queue(ctx); len(q) != 0 {
		t.Fatalf("queue should be empty, has %d", len(q))
	}
	if last, _ := cache.LastSync(ctx); last.IsZero() {
		t.Fatal("last sync not recorded")
	}
}

func TestSyncEngine_FailedMutationsAreDroppedAndJournaled(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	journal := newTestJournal(t)
	gw := newFakeGateway()
	gw.seed(newTask("a", time.Now()))

	bad, _ := cache.Enqueue(ctx, MutationUpdate, "missing", UpdateTaskInput{Title: ptr("x")})
	good, _ := cache.Enqueue(ctx, MutationUpdateStatus, "a", statusPayload{Status: StatusInProgress})

	report, err := NewSyncEngine(SyncOptions{Gateway: gw, Cache: cache, Journal: journal}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Succeeded != 1 || len(report.Failed) != 1 || report.Failed[0].Mutation.ID != bad.ID {
		t.Fatalf("unexpected report %+v", report)
	}
	if !errors.Is(report.Failed[0].Err, ErrNotFound) {
		t.Fatalf("want not found, got %v", report.Failed[0].Err)
	}
	if q, _ := cache.Queue(ctx); len(q) != 0 {
		t.Fatalf("failed mutations must not be retried, queue has %d", len(q))
	}

	failed, err := journal.GetByID(ctx, bad.ID)
	if err != nil || failed.Status != JournalFailed || failed.RunID != report.RunID {
		t.Fatalf("unexpected journal entry %+v err=%v", failed, err)
	}
	ok, err := journal.GetByID(ctx, good.ID)
	if err != nil || ok.Status != JournalSucceeded || ok.ResultJSON == nil {
		t.Fatalf("unexpected journal entry %+v err=%v", ok, err)
	}
}

func TestSyncEngine_RemapsProvisionalIDs(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	gw := newFakeGateway()

	prov := Task{ID: "local-1", Title: "draft", Status: StatusPending, Priority: PriorityMedium, State: StateProvisional}
	_ = cache.SaveTask(ctx, prov)
	_, _ = cache.Enqueue(ctx, MutationCreate, prov.ID, createPayload{CreateTaskInput: CreateTaskInput{Title: "draft"}, ProvisionalID: prov.ID})
	_, _ = cache.Enqueue(ctx, MutationUpdateStatus, prov.ID, statusPayload{Status: StatusCompleted})

	report, err := NewSyncEngine(SyncOptions{Gateway: gw, Cache: cache}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Succeeded != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := gw.callLog(); !reflect.DeepEqual(got, []string{"create:draft", "status:srv-1"}) {
		t.Fatalf("status change not sent to the server id: %v", got)
	}
	cached, _ := cache.Tasks(ctx)
	if len(cached) != 1 || cached[0].ID != "srv-1" || cached[0].Status != StatusCompleted || cached[0].IsProvisional() {
		t.Fatalf("provisional record not replaced: %+v", cached)
	}
}

func TestSyncEngine_FailedCreateDropsDependents(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	gw := newFakeGateway()
	gw.setFail("create", &APIError{StatusCode: 400, Message: "title is required"})

	_ = cache.SaveTask(ctx, Task{ID: "local-1", State: StateProvisional})
	_, _ = cache.Enqueue(ctx, MutationCreate, "local-1", createPayload{ProvisionalID: "local-1"})
	_, _ = cache.Enqueue(ctx, MutationDelete, "local-1", nil)

	report, err := NewSyncEngine(SyncOptions{Gateway: gw, Cache: cache}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Failed) != 2 {
		t.Fatalf("want both mutations failed, got %+v", report)
	}
	if got := gw.callLog(); len(got) != 1 {
		t.Fatalf("the dependent delete should not reach the server: %v", got)
	}
	if cached, _ := cache.Tasks(ctx); len(cached) != 0 {
		t.Fatalf("provisional record should be dropped: %+v", cached)
	}
}

func TestSyncEngine_SecondRunIsRejectedWhileInFlight(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	gw := newFakeGateway()
	gw.createGate = make(chan struct{})
	gw.createEntered = make(chan struct{}, 1)
	_, _ = cache.Enqueue(ctx, MutationCreate, "local-1", createPayload{CreateTaskInput: CreateTaskInput{Title: "x"}, ProvisionalID: "local-1"})

	engine := NewSyncEngine(SyncOptions{Gateway: gw, Cache: cache})
	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(ctx)
		done <- err
	}()
	<-gw.createEntered

	if _, err := engine.Run(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("want ErrSyncInProgress, got %v", err)
	}
	close(gw.createGate)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if got := gw.callLog(); len(got) != 1 {
		t.Fatalf("the rejected run must not replay anything: %v", got)
	}
}

func TestSyncEngine_KeepsMutationsEnqueuedDuringRun(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	gw := newFakeGateway()
	gw.createGate = make(chan struct{})
	gw.createEntered = make(chan struct{}, 1)
	_, _ = cache.Enqueue(ctx, MutationCreate, "local-1", createPayload{CreateTaskInput: CreateTaskInput{Title: "x"}, ProvisionalID: "local-1"})

	engine := NewSyncEngine(SyncOptions{Gateway: gw, Cache: cache})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.Run(ctx)
	}()
	<-gw.createEntered
	late, err := cache.Enqueue(ctx, MutationDelete, "srv-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	close(gw.createGate)
	<-done

	q, _ := cache.Queue(ctx)
	if len(q) != 1 || q[0].ID != late.ID {
		t.Fatalf("late mutation lost: %+v", q)
	}
}

func TestSyncEngine_EmptyQueue(t *testing.T) {
	report, err := NewSyncEngine(SyncOptions{Gateway: newFakeGateway(), Cache: newTestCache(t)}).Run(context.Background())
	if err != nil || report.Attempted != 0 {
		t.Fatalf("unexpected result %+v %v", report, err)
	}
}
