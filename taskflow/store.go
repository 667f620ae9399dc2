package taskflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultPageSize = 20

// Syncer runs one replay of the offline queue.
type Syncer interface {
	Run(ctx context.Context) (*SyncReport, error)
}

type StoreOptions struct {
	Gateway Gateway
	Cache   *Cache
	Monitor *Monitor
	Events  EventChannel // optional
	Syncer  Syncer       // optional
	// OnReconnect runs when the monitor reports the backend reachable again.
	// Defaults to Store.Resync.
	OnReconnect func(ctx context.Context)
	Logger      logrus.FieldLogger
	Now         func() time.Time
	PageSize    int
	UserID      string // recorded as creator of tasks created offline
}

// Outcome tells whether a mutation reached the server or was queued.
type Outcome int

const (
	OutcomeSynced Outcome = iota + 1
	OutcomeQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeQueued:
		return "queued"
	}
	return "unknown"
}

type MutationResult struct {
	Task     *Task // nil after a delete, or an offline edit of a task not held locally
	Outcome  Outcome
	Mutation *Mutation // the queued entry when Outcome is OutcomeQueued
}

func (r MutationResult) Queued() bool { return r.Outcome == OutcomeQueued }

// Message is the user-facing confirmation of the mutation.
func (r MutationResult) Message() string {
	if r.Queued() {
		return "saved offline, will sync when back online"
	}
	return "saved"
}

// ListItem is a task as it should be displayed.
type ListItem struct {
	Task
	Overdue bool `json:"overdue"`
}

// Store is the client's view of the task list. It chooses between the
// online and offline paths for every operation, keeps the in-memory list
// and the cache in step, and folds in live events.
type Store struct {
	gw          Gateway
	cache       *Cache
	monitor     *Monitor
	events      EventChannel
	syncer      Syncer
	onReconnect func(ctx context.Context)
	log         logrus.FieldLogger
	now         func() time.Time
	pageSize    int
	userID      string

	// mu guards the fields below and is never held across I/O.
	mu            sync.Mutex
	authenticated bool
	tasks         []Task
	filter        ListFilter
	page          int
	total         int64
	fromCache     bool
	sessionCtx    context.Context
	endSession    context.CancelFunc
	stopListening func()

	// subMu serializes unsubscribe-then-resubscribe.
	subMu sync.Mutex
	sub   Subscription
}

func NewStore(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	size := opts.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	s := &Store{
		gw:         opts.Gateway,
		cache:      opts.Cache,
		monitor:    opts.Monitor,
		events:     opts.Events,
		syncer:     opts.Syncer,
		log:        componentLogger(opts.Logger, "store"),
		now:        now,
		pageSize:   size,
		userID:     opts.UserID,
		sessionCtx: context.Background(),
	}
	s.onReconnect = opts.OnReconnect
	if s.onReconnect == nil {
		s.onReconnect = func(ctx context.Context) {
			if err := s.Resync(ctx); err != nil {
				s.log.WithError(err).Warn("resync after reconnect")
			}
		}
	}
	return s
}

// SetAuthenticated couples the store to the login state. Logging in loads
// the list, subscribes to live events and starts reacting to reconnects;
// ctx bounds that session. Logging out drops all of it without fetching.
func (s *Store) SetAuthenticated(ctx context.Context, authenticated bool) error {
	if !authenticated {
		s.mu.Lock()
		if !s.authenticated {
			s.mu.Unlock()
			return nil
		}
		s.authenticated = false
		s.tasks = nil
		s.page, s.total, s.fromCache = 0, 0, false
		stop, end := s.stopListening, s.endSession
		s.stopListening, s.endSession = nil, nil
		s.sessionCtx = context.Background()
		s.mu.Unlock()

		if stop != nil {
			stop()
		}
		if end != nil {
			end()
		}
		s.unsubscribe()
		s.log.Info("logged out")
		return nil
	}

	s.mu.Lock()
	if s.authenticated {
		s.mu.Unlock()
		return nil
	}
	sessionCtx, end := context.WithCancel(ctx)
	s.authenticated = true
	s.sessionCtx, s.endSession = sessionCtx, end
	s.mu.Unlock()

	if s.monitor != nil {
		stop := s.monitor.OnChange(func(offline bool) {
			if !offline {
				s.onReconnect(sessionCtx)
			}
		})
		s.mu.Lock()
		s.stopListening = stop
		s.mu.Unlock()
	}

	err := s.Load(ctx)
	s.resubscribe(ctx)
	return err
}

func (s *Store) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// SetFilter replaces the active filter, reloads and resubscribes.
func (s *Store) SetFilter(ctx context.Context, filter ListFilter) error {
	s.mu.Lock()
	s.filter = filter
	authenticated := s.authenticated
	s.mu.Unlock()
	if !authenticated {
		return nil
	}
	err := s.Load(ctx)
	s.resubscribe(ctx)
	return err
}

func (s *Store) Filter() ListFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Load fills the list from the cache while offline and from the first page
// of the server otherwise.
func (s *Store) Load(ctx context.Context) error {
	if !s.Authenticated() {
		return ErrUnauthenticated
	}
	if s.Offline() {
		cached := s.cachedTasks(ctx)
		s.mu.Lock()
		filtered := filterTasks(cached, s.filter)
		s.tasks = filtered
		s.page, s.total, s.fromCache = 1, int64(len(filtered)), true
		s.mu.Unlock()
		return nil
	}
	_, err := s.Fetch(ctx, 1)
	return err
}

// Refresh refetches the first page.
func (s *Store) Refresh(ctx context.Context) error {
	_, err := s.Fetch(ctx, 1)
	return err
}

// NextPage fetches the page after the last one loaded.
func (s *Store) NextPage(ctx context.Context) (*ListResult, error) {
	s.mu.Lock()
	next := s.page + 1
	s.mu.Unlock()
	return s.Fetch(ctx, next)
}

// HasMore reports whether the server holds tasks beyond those loaded.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.fromCache && int64(s.page*s.pageSize) < s.total
}

// Fetch requests one page from the server. Page 1 replaces the list, later
// pages append the tasks not already present. The page is merged into the
// cache. Page 1 keeps only the provisional tasks whose create is still
// queued. When page 1 fails the list falls back to the cached tasks; when a
// later page fails the loaded pages stay and paging stops. Either way the
// result has FromCache set and no error is reported.
func (s *Store) Fetch(ctx context.Context, page int) (*ListResult, error) {
	s.mu.Lock()
	if !s.authenticated {
		s.mu.Unlock()
		return nil, ErrUnauthenticated
	}
	filter := s.filter
	s.mu.Unlock()
	if page < 1 {
		page = 1
	}
	filter.Page = page
	filter.PageSize = s.pageSize

	res, err := s.gw.List(ctx, filter)
	if err != nil {
		s.log.WithError(err).WithField("page", page).Warn("fetch failed, using cache")
		s.reportFetch(err)
		cached := filterTasks(s.cachedTasks(ctx), filter)
		s.mu.Lock()
		if !s.authenticated {
			s.mu.Unlock()
			return nil, ErrUnauthenticated
		}
		// A later page failing keeps the pages already loaded; paging stops.
		if page == 1 {
			s.tasks = cached
			s.page, s.total = 1, int64(len(cached))
		}
		s.fromCache = true
		s.mu.Unlock()
		return &ListResult{
			Tasks:     cloneTasks(cached),
			Total:     int64(len(cached)),
			Page:      1,
			PageSize:  len(cached),
			FromCache: true,
		}, nil
	}

	var stale map[string]bool
	if page == 1 {
		stale = s.settledProvisional(ctx)
	}

	s.mu.Lock()
	if !s.authenticated {
		s.mu.Unlock()
		return nil, ErrUnauthenticated
	}
	if page == 1 {
		s.tasks = replacePage(s.tasks, res.Tasks, stale)
	} else {
		s.tasks = appendPage(s.tasks, res.Tasks)
	}
	s.page, s.total, s.fromCache = page, res.Total, false
	s.mu.Unlock()

	if err := s.cache.MergeTasks(ctx, res.Tasks); err != nil {
		s.log.WithError(err).Warn("cache fetched tasks")
	}
	if err := s.cache.MarkSynced(ctx, s.now()); err != nil {
		s.log.WithError(err).Warn("record last sync")
	}
	// Last: a transition back online may trigger a resync that fetches again.
	s.reportFetch(nil)
	return res, nil
}

// Tasks returns a copy of the in-memory list in its stored order.
func (s *Store) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.tasks)
}

// View returns the list filtered and ordered for display.
func (s *Store) View(now time.Time) []ListItem {
	s.mu.Lock()
	tasks := cloneTasks(s.tasks)
	filter := s.filter
	s.mu.Unlock()

	arranged := Arrange(tasks, filter.Status, filter.Sort)
	items := make([]ListItem, len(arranged))
	for i, t := range arranged {
		items[i] = ListItem{Task: t, Overdue: t.IsOverdue(now)}
	}
	return items
}

// Get returns one task. Online it asks the server and falls back to local
// data when the server cannot be reached; offline it only looks locally.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	if !s.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if !s.Offline() && !isProvisionalID(id) {
		t, err := s.gw.Get(ctx, id)
		if err == nil {
			if cerr := s.cache.SaveTask(ctx, *t); cerr != nil {
				s.log.WithError(cerr).WithField("task_id", id).Warn("cache task")
			}
			return t, nil
		}
		if !IsUnreachable(err) {
			return nil, err
		}
	}
	if t, ok := s.local(ctx, id); ok {
		return &t, nil
	}
	return nil, ErrNotFound
}

// Create adds a task. Offline, the task is shown at once under a
// provisional id and a create mutation is queued.
func (s *Store) Create(ctx context.Context, in CreateTaskInput) (MutationResult, error) {
	if !s.Authenticated() {
		return MutationResult{}, ErrUnauthenticated
	}
	if s.Offline() {
		if err := in.Validate(); err != nil {
			return MutationResult{}, err
		}
		now := s.now().UTC()
		t := Task{
			ID:          ProvisionalPrefix + uuid.NewString(),
			Title:       in.Title,
			Description: in.Description,
			Status:      StatusPending,
			Priority:    in.Priority,
			DueDate:     in.DueDate,
			CreatedBy:   s.userID,
			CreatedAt:   now,
			UpdatedAt:   now,
			State:       StateProvisional,
		}
		m, err := s.cache.Enqueue(ctx, MutationCreate, t.ID, createPayload{CreateTaskInput: in, ProvisionalID: t.ID})
		if err != nil {
			return MutationResult{}, err
		}
		s.prepend(t)
		s.saveCached(ctx, t)
		s.log.WithFields(logrus.Fields{"task_id": t.ID, "mutation_id": m.ID}).Info("create queued")
		return MutationResult{Task: &t, Outcome: OutcomeQueued, Mutation: &m}, nil
	}

	t, err := s.gw.Create(ctx, in)
	if err != nil {
		return MutationResult{}, err
	}
	s.prepend(*t)
	s.saveCached(ctx, *t)
	return MutationResult{Task: t, Outcome: OutcomeSynced}, nil
}

// Update applies a partial update.
func (s *Store) Update(ctx context.Context, id string, in UpdateTaskInput) (MutationResult, error) {
	if !s.Authenticated() {
		return MutationResult{}, ErrUnauthenticated
	}
	if s.Offline() {
		if err := in.Validate(); err != nil {
			return MutationResult{}, err
		}
		return s.queueEdit(ctx, MutationUpdate, id, in, in)
	}

	t, err := s.gw.Update(ctx, id, in)
	if err != nil {
		return MutationResult{}, err
	}
	s.replace(*t)
	s.saveCached(ctx, *t)
	return MutationResult{Task: t, Outcome: OutcomeSynced}, nil
}

// UpdateStatus moves a task to another status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) (MutationResult, error) {
	if !s.Authenticated() {
		return MutationResult{}, ErrUnauthenticated
	}
	if s.Offline() {
		if !status.Valid() {
			return MutationResult{}, &ValidationError{Field: "status"}
		}
		return s.queueEdit(ctx, MutationUpdateStatus, id, statusPayload{Status: status}, UpdateTaskInput{Status: &status})
	}

	t, err := s.gw.ChangeStatus(ctx, id, status)
	if err != nil {
		return MutationResult{}, err
	}
	s.replace(*t)
	s.saveCached(ctx, *t)
	return MutationResult{Task: t, Outcome: OutcomeSynced}, nil
}

func (s *Store) Delete(ctx context.Context, id string) (MutationResult, error) {
	if !s.Authenticated() {
		return MutationResult{}, ErrUnauthenticated
	}
	if s.Offline() {
		m, err := s.cache.Enqueue(ctx, MutationDelete, id, nil)
		if err != nil {
			return MutationResult{}, err
		}
		s.remove(id)
		s.deleteCached(ctx, id)
		s.log.WithFields(logrus.Fields{"task_id": id, "mutation_id": m.ID}).Info("delete queued")
		return MutationResult{Outcome: OutcomeQueued, Mutation: &m}, nil
	}

	if err := s.gw.Delete(ctx, id); err != nil {
		return MutationResult{}, err
	}
	s.remove(id)
	s.deleteCached(ctx, id)
	return MutationResult{Outcome: OutcomeSynced}, nil
}

// Assign hands a task to another user. There is no queued form of it, so
// it fails with ErrOfflineUnsupported while offline.
func (s *Store) Assign(ctx context.Context, id, userID string) (MutationResult, error) {
	if !s.Authenticated() {
		return MutationResult{}, ErrUnauthenticated
	}
	if s.Offline() {
		return MutationResult{}, ErrOfflineUnsupported
	}
	t, err := s.gw.Assign(ctx, id, userID)
	if err != nil {
		return MutationResult{}, err
	}
	s.replace(*t)
	s.saveCached(ctx, *t)
	return MutationResult{Task: t, Outcome: OutcomeSynced}, nil
}

// HandleEvent folds a live event into the list and the cache. It is the
// handler the store subscribes with.
func (s *Store) HandleEvent(ev TaskEvent) {
	s.mu.Lock()
	if !s.authenticated {
		s.mu.Unlock()
		return
	}
	next, changed := ApplyEvent(s.tasks, ev)
	s.tasks = next
	ctx := s.sessionCtx
	s.mu.Unlock()

	liveEvents.WithLabelValues(string(ev.Type)).Inc()
	s.log.WithFields(logrus.Fields{"type": ev.Type, "task_id": ev.TaskID, "changed": changed}).Debug("live event")

	switch ev.Type {
	case EventCreated, EventUpdated, EventAssigned:
		if ev.Task != nil {
			s.saveCached(ctx, *ev.Task)
		}
	case EventDeleted:
		s.deleteCached(ctx, ev.TaskID)
	}
}

// Resync replays the offline queue and then refetches the first page. A
// sync already in flight is left to finish on its own.
func (s *Store) Resync(ctx context.Context) error {
	if s.syncer != nil {
		report, err := s.syncer.Run(ctx)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			s.log.Debug("sync already running")
			return nil
		case err != nil:
			s.log.WithError(err).Warn("sync failed")
		case report != nil && len(report.Failed) > 0:
			s.log.WithField("failed", len(report.Failed)).Warn("some queued changes were rejected")
		}
	}
	if !s.Authenticated() {
		return nil
	}
	return s.Refresh(ctx)
}

// Pending returns the queued mutations in replay order.
func (s *Store) Pending(ctx context.Context) ([]Mutation, error) {
	return s.cache.Queue(ctx)
}

func (s *Store) Offline() bool {
	return s.monitor != nil && s.monitor.Offline()
}

// Close is a logout that keeps the cache.
func (s *Store) Close() error {
	return s.SetAuthenticated(context.Background(), false)
}

func (s *Store) reportFetch(err error) {
	if s.monitor != nil {
		s.monitor.ReportFetch(err)
	}
}

func (s *Store) queueEdit(ctx context.Context, kind MutationKind, id string, payload any, edit UpdateTaskInput) (MutationResult, error) {
	m, err := s.cache.Enqueue(ctx, kind, id, payload)
	if err != nil {
		return MutationResult{}, err
	}
	res := MutationResult{Outcome: OutcomeQueued, Mutation: &m}
	if cur, ok := s.local(ctx, id); ok {
		t := edit.apply(cur)
		t.UpdatedAt = s.now().UTC()
		s.replace(t)
		s.saveCached(ctx, t)
		res.Task = &t
	}
	s.log.WithFields(logrus.Fields{"task_id": id, "mutation_id": m.ID, "kind": kind}).Info("edit queued")
	return res, nil
}

// local finds a task in memory, then in the cache.
func (s *Store) local(ctx context.Context, id string) (Task, bool) {
	s.mu.Lock()
	i := indexOf(s.tasks, id)
	if i >= 0 {
		t := s.tasks[i]
		s.mu.Unlock()
		return t, true
	}
	s.mu.Unlock()
	for _, t := range s.cachedTasks(ctx) {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

func (s *Store) cachedTasks(ctx context.Context) []Task {
	tasks, err := s.cache.Tasks(ctx)
	if err != nil {
		s.log.WithError(err).Warn("read cached tasks")
		return nil
	}
	return tasks
}

func (s *Store) saveCached(ctx context.Context, t Task) {
	if err := s.cache.SaveTask(ctx, t); err != nil {
		s.log.WithError(err).WithField("task_id", t.ID).Warn("cache task")
	}
}

func (s *Store) deleteCached(ctx context.Context, id string) {
	if err := s.cache.DeleteTask(ctx, id); err != nil {
		s.log.WithError(err).WithField("task_id", id).Warn("uncache task")
	}
}

func (s *Store) prepend(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.tasks, t.ID); i >= 0 {
		s.tasks[i] = t
		return
	}
	out := make([]Task, 0, len(s.tasks)+1)
	out = append(out, t)
	s.tasks = append(out, s.tasks...)
}

func (s *Store) replace(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.tasks, t.ID); i >= 0 {
		s.tasks[i] = t
	}
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = removeByID(s.tasks, id)
}

func (s *Store) resubscribe(ctx context.Context) {
	if s.events == nil {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub != nil {
		_ = s.sub.Close()
		s.sub = nil
	}
	if !s.Authenticated() {
		return
	}
	sub, err := s.events.Subscribe(ctx, s.HandleEvent)
	if err != nil {
		s.log.WithError(err).Warn("subscribe to live events")
		return
	}
	s.sub = sub
}

func (s *Store) unsubscribe() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub != nil {
		_ = s.sub.Close()
		s.sub = nil
	}
}

// settledProvisional returns the provisional tasks held in memory whose
// create is no longer queued: replayed under a server id, or rejected.
// Tasks created after the snapshot are not in the result, so a create that
// races the refresh keeps its record. On a queue read error nothing is
// reported settled.
func (s *Store) settledProvisional(ctx context.Context) map[string]bool {
	s.mu.Lock()
	held := make(map[string]bool)
	for _, t := range s.tasks {
		if t.IsProvisional() {
			held[t.ID] = true
		}
	}
	s.mu.Unlock()
	if len(held) == 0 {
		return nil
	}

	queue, err := s.cache.Queue(ctx)
	if err != nil {
		s.log.WithError(err).Warn("read offline queue")
		return nil
	}
	for _, m := range queue {
		if m.Kind == MutationCreate {
			delete(held, m.TaskID)
		}
	}
	return held
}

// replacePage makes page the new list. Provisional tasks survive, since the
// server cannot know them until their create is replayed, unless they are
// in stale.
func replacePage(current, page []Task, stale map[string]bool) []Task {
	out := make([]Task, 0, len(page))
	for _, t := range current {
		if t.IsProvisional() && !stale[t.ID] {
			out = append(out, t)
		}
	}
	for _, t := range page {
		if indexOf(out, t.ID) < 0 {
			out = append(out, t)
		}
	}
	return out
}

// appendPage adds the tasks of page not already listed, keeping order.
func appendPage(current, page []Task) []Task {
	seen := make(map[string]struct{}, len(current)+len(page))
	out := make([]Task, 0, len(current)+len(page))
	for _, t := range current {
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	for _, t := range page {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}

// filterTasks applies the status and priority of f to cached tasks.
func filterTasks(tasks []Task, f ListFilter) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Priority != nil && t.Priority != *f.Priority {
			continue
		}
		out = append(out, t)
	}
	return out
}

func cloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}

func isProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
