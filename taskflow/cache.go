package taskflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KV abstracts the key-value storage the cache persists into.
// Implementations must be safe for concurrent use. Operations are atomic
// per key but not across keys.
type KV interface {
	// Get returns ErrKeyNotFound when the key has never been set.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

const (
	keyTasks    = "tasks"
	keyQueue    = "offline_queue"
	keyLastSync = "last_sync"
)

// Cache is the persistent copy of the task list, the offline mutation queue
// and the last successful sync time. It outlives any Store and is the
// recovery source on cold start.
type Cache struct {
	kv  KV
	now func() time.Time

	// mu serializes read-modify-write sequences on the same key.
	mu sync.Mutex
}

func NewCache(kv KV) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

func (c *Cache) Tasks(ctx context.Context) ([]Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadTasks(ctx)
}

// SaveTasks replaces the cached task list.
func (c *Cache) SaveTasks(ctx context.Context, tasks []Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeTasks(ctx, tasks)
}

// MergeTasks folds tasks into the cached list by id. Cached ids absent from
// tasks are kept: a fetched page is a window, not the full set.
func (c *Cache) MergeTasks(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, err := c.loadTasks(ctx)
	if err != nil {
		return err
	}
	return c.storeTasks(ctx, mergeByID(cached, tasks))
}

// SaveTask inserts or replaces a single task.
func (c *Cache) SaveTask(ctx context.Context, t Task) error {
	return c.MergeTasks(ctx, []Task{t})
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, err := c.loadTasks(ctx)
	if err != nil {
		return err
	}
	return c.storeTasks(ctx, removeByID(cached, id))
}

// ReplaceTask swaps the record stored under oldID for t, keeping its
// position. It is how a provisional record gives way to the confirmed one.
func (c *Cache) ReplaceTask(ctx context.Context, oldID string, t Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, err := c.loadTasks(ctx)
	if err != nil {
		return err
	}
	out := make([]Task, 0, len(cached)+1)
	replaced := false
	for _, ct := range cached {
		switch {
		case ct.ID == oldID && !replaced:
			out = append(out, t)
			replaced = true
		case ct.ID == oldID, ct.ID == t.ID:
			// drop duplicates of either id
		default:
			out = append(out, ct)
		}
	}
	if !replaced {
		out = append(out, t)
	}
	return c.storeTasks(ctx, out)
}

func (c *Cache) Queue(ctx context.Context) ([]Mutation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadQueue(ctx)
}

// Enqueue appends a mutation to the offline queue. The payload is JSON
// encoded; the queue assigns the id and timestamp.
func (c *Cache) Enqueue(ctx context.Context, kind MutationKind, taskID string, payload any) (Mutation, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Mutation{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	m := Mutation{
		ID:         uuid.NewString(),
		Kind:       kind,
		TaskID:     taskID,
		Payload:    raw,
		EnqueuedAt: c.now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	queue, err := c.loadQueue(ctx)
	if err != nil {
		return Mutation{}, err
	}
	queue = append(queue, m)
	if err := c.storeQueue(ctx, queue); err != nil {
		return Mutation{}, err
	}
	return m, nil
}

// RemoveQueued drops the given mutations and keeps everything else in order.
func (c *Cache) RemoveQueued(ctx context.Context, ids []string) error {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	queue, err := c.loadQueue(ctx)
	if err != nil {
		return err
	}
	kept := queue[:0]
	for _, m := range queue {
		if _, ok := drop[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	return c.storeQueue(ctx, kept)
}

func (c *Cache) ClearQueue(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeQueue(ctx, nil)
}

// LastSync returns the zero time if no sync has completed yet.
func (c *Cache) LastSync(ctx context.Context) (time.Time, error) {
	b, err := c.kv.Get(ctx, keyLastSync)
	if errors.Is(err, ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last sync: %w", err)
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode last sync: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// MarkSynced records t as the last successful sync. The stored value never
// moves backwards.
func (c *Cache) MarkSynced(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, err := c.LastSync(ctx)
	if err != nil {
		return err
	}
	if !t.After(last) {
		return nil
	}
	if err := c.kv.Set(ctx, keyLastSync, []byte(strconv.FormatInt(t.UnixMilli(), 10))); err != nil {
		return fmt.Errorf("write last sync: %w", err)
	}
	return nil
}

// Clear drops every cached key, e.g. on logout.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.kv.Delete(ctx, keyTasks, keyQueue, keyLastSync); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	queueDepth.Set(0)
	return nil
}

func (c *Cache) loadTasks(ctx context.Context) ([]Task, error) {
	b, err := c.kv.Get(ctx, keyTasks)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	var tasks []Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

func (c *Cache) storeTasks(ctx context.Context, tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	b, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	if err := c.kv.Set(ctx, keyTasks, b); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	return nil
}

func (c *Cache) loadQueue(ctx context.Context) ([]Mutation, error) {
	b, err := c.kv.Get(ctx, keyQueue)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offline queue: %w", err)
	}
	var queue []Mutation
	if err := json.Unmarshal(b, &queue); err != nil {
		return nil, fmt.Errorf("decode offline queue: %w", err)
	}
	return queue, nil
}

func (c *Cache) storeQueue(ctx context.Context, queue []Mutation) error {
	if queue == nil {
		queue = []Mutation{}
	}
	b, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := c.kv.Set(ctx, keyQueue, b); err != nil {
		return fmt.Errorf("write offline queue: %w", err)
	}
	queueDepth.Set(float64(len(queue)))
	return nil
}

// mergeByID returns base with every task of incoming applied by id: matches
// are replaced in place, new ids are appended in incoming order.
func mergeByID(base, incoming []Task) []Task {
	index := make(map[string]int, len(base))
	out := make([]Task, len(base), len(base)+len(incoming))
	copy(out, base)
	for i, t := range out {
		index[t.ID] = i
	}
	for _, t := range incoming {
		if i, ok := index[t.ID]; ok {
			out[i] = t
			continue
		}
		index[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

func removeByID(tasks []Task, id string) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
