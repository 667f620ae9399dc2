package taskflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	tf "github.com/mohans/taskflow/taskflow"
)

// TypeSync is the asynq task type of a sync run.
const TypeSync = "taskflow:sync"

const (
	DefaultQueue     = "default"
	DefaultUniqueFor = 30 * time.Second
)

// syncRequest is journaled with each accepted trigger. It is not part of
// the asynq payload, which stays empty so that triggers collapse.
type syncRequest struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// Dispatcher enqueues sync runs for a Processor to execute. Triggers issued
// while an earlier one is still pending collapse into it.
type Dispatcher struct {
	client    *asynq.Client
	journal   tf.Journal
	queue     string
	uniqueFor time.Duration
	log       logrus.FieldLogger
}

type DispatcherOptions struct {
	Queue     string
	UniqueFor time.Duration
	Journal   tf.Journal // optional; one sync_run entry per accepted trigger
	Logger    logrus.FieldLogger
}

func NewDispatcher(redisOpt asynq.RedisClientOpt, opts DispatcherOptions) *Dispatcher {
	q := opts.Queue
	if q == "" {
		q = DefaultQueue
	}
	window := opts.UniqueFor
	if window <= 0 {
		window = DefaultUniqueFor
	}
	return &Dispatcher{
		client:    asynq.NewClient(redisOpt),
		journal:   opts.Journal,
		queue:     q,
		uniqueFor: window,
		log:       withComponent(opts.Logger, "dispatcher"),
	}
}

// Trigger asks for a sync run. The returned info is nil when the trigger
// was merged into one already pending.
func (d *Dispatcher) Trigger(ctx context.Context, reason string) (*asynq.TaskInfo, error) {
	if d.client == nil {
		return nil, fmt.Errorf("nil asynq client")
	}
	now := time.Now().UTC()
	request, err := json.Marshal(syncRequest{Reason: reason, RequestedAt: now})
	if err != nil {
		return nil, err
	}
	t := asynq.NewTask(TypeSync, nil)
	info, err := d.client.EnqueueContext(ctx, t,
		asynq.Queue(d.queue),
		asynq.Unique(d.uniqueFor),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		d.log.WithField("reason", reason).Debug("sync already pending")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue sync: %w", err)
	}

	if d.journal != nil {
		entry := tf.JournalEntry{
			ID:          info.ID,
			RunID:       info.ID,
			Kind:        tf.JournalKindRun,
			PayloadJSON: string(request),
			CreatedAt:   now,
		}
		if err := d.journal.InsertCreated(ctx, entry); err != nil {
			d.log.WithError(err).WithField("run_id", info.ID).Warn("journal insert")
		}
	}
	d.log.WithFields(logrus.Fields{"run_id": info.ID, "reason": reason}).Info("sync enqueued")
	return info, nil
}

// OnReconnect fits tf.StoreOptions.OnReconnect: coming back online becomes
// a queued sync instead of an inline one.
func (d *Dispatcher) OnReconnect(ctx context.Context) {
	if _, err := d.Trigger(ctx, "reconnect"); err != nil {
		d.log.WithError(err).Warn("trigger sync on reconnect")
	}
}

func (d *Dispatcher) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func withComponent(l logrus.FieldLogger, name string) logrus.FieldLogger {
	if l == nil {
		nl := logrus.New()
		nl.SetOutput(io.Discard)
		l = nl
	}
	return l.WithField("component", name)
}
