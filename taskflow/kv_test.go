package taskflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// exerciseKV runs the behaviour every KV backend must share.
func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound, got %v", err)
	}
	if err := kv.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("want v2, got %q", got)
	}
	if err := kv.Set(ctx, "other", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Delete(ctx, "k", "other", "never-set"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound after delete, got %v", err)
	}
}

func TestSQLKV_Contract(t *testing.T) {
	kv := NewSQLKV(openTestDB(t))
	if err := kv.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	exerciseKV(t, kv)
}

func TestSQLKV_OpenSQLiteFile(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "cache.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	kv := NewSQLKV(db)
	if err := kv.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	exerciseKV(t, kv)
}

func TestRedisKV_Contract(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer s.Close()

	kv := NewRedisKV(redis.NewClient(&redis.Options{Addr: s.Addr()}), RedisKVOptions{Prefix: "acct1:"})
	defer kv.Close()
	exerciseKV(t, kv)

	if err := kv.Set(context.Background(), keyTasks, []byte("[]")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !s.Exists("acct1:" + keyTasks) {
		t.Fatalf("key should be stored under its prefix, have %v", s.Keys())
	}
}

func TestRedisKV_BacksCache(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer s.Close()
	kv := NewRedisKV(redis.NewClient(&redis.Options{Addr: s.Addr()}), RedisKVOptions{})
	defer kv.Close()

	c := NewCache(kv)
	ctx := context.Background()
	if err := c.SaveTask(ctx, newTask("a", time.Now().UTC())); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if _, err := c.Enqueue(ctx, MutationDelete, "a", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tasks, _ := c.Tasks(ctx)
	q, _ := c.Queue(ctx)
	if len(tasks) != 1 || len(q) != 1 {
		t.Fatalf("unexpected state: tasks=%d queue=%d", len(tasks), len(q))
	}
}
