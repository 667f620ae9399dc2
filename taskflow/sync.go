package taskflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type SyncOptions struct {
	Gateway Gateway
	Cache   *Cache
	Journal Journal // optional
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// FailedMutation is a queued mutation the server rejected or never received.
// It has already been removed from the queue when it is reported.
type FailedMutation struct {
	Mutation Mutation
	Err      error
}

type SyncReport struct {
	RunID      string
	Attempted  int
	Succeeded  int
	Failed     []FailedMutation
	StartedAt  time.Time
	FinishedAt time.Time
}

// SyncEngine replays the offline queue against the gateway.
//
// Delivery is at most once: every mutation taken into a run leaves the queue
// when the run ends, whether the server accepted it or not. Failures are
// returned in the report and written to the journal.
type SyncEngine struct {
	gw      Gateway
	cache   *Cache
	journal Journal
	log     logrus.FieldLogger
	now     func() time.Time

	running atomic.Bool
}

func NewSyncEngine(opts SyncOptions) *SyncEngine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SyncEngine{
		gw:      opts.Gateway,
		cache:   opts.Cache,
		journal: opts.Journal,
		log:     componentLogger(opts.Logger, "sync"),
		now:     now,
	}
}

// Running reports whether a run is in flight.
func (e *SyncEngine) Running() bool {
	return e.running.Load()
}

// Run drains the queue as it was when the run started. A call made while
// another run is in flight returns ErrSyncInProgress without doing anything.
// If ctx is cancelled mid-run, entries not yet attempted stay queued.
func (e *SyncEngine) Run(ctx context.Context) (*SyncReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		syncRuns.WithLabelValues("skipped").Inc()
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)

	queue, err := e.cache.Queue(ctx)
	if err != nil {
		syncRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	report := &SyncReport{RunID: uuid.NewString(), StartedAt: e.now()}
	log := e.log.WithField("run_id", report.RunID)
	if len(queue) == 0 {
		report.FinishedAt = e.now()
		syncRuns.WithLabelValues("empty").Inc()
		return report, nil
	}
	log.WithField("queued", len(queue)).Info("sync started")

	r := &replayer{engine: e, remap: make(map[string]string), dropped: make(map[string]bool)}
	var attempted []string
	for _, m := range queue {
		if ctx.Err() != nil {
			log.WithField("remaining", len(queue)-len(attempted)).Warn("sync interrupted")
			break
		}
		attempted = append(attempted, m.ID)
		report.Attempted++
		e.journalStart(ctx, report.RunID, m)

		result, err := r.replay(ctx, m)
		if err != nil {
			report.Failed = append(report.Failed, FailedMutation{Mutation: m, Err: err})
			replayedMutations.WithLabelValues(string(m.Kind), "failed").Inc()
			log.WithFields(logrus.Fields{"mutation_id": m.ID, "kind": m.Kind, "task_id": m.TaskID}).
				WithError(err).Warn("mutation dropped")
			e.journalFinish(ctx, m.ID, nil, err)
			continue
		}
		report.Succeeded++
		replayedMutations.WithLabelValues(string(m.Kind), "succeeded").Inc()
		e.journalFinish(ctx, m.ID, result, nil)
	}

	report.FinishedAt = e.now()
	if err := e.cache.RemoveQueued(ctx, attempted); err != nil {
		syncRuns.WithLabelValues("error").Inc()
		return report, fmt.Errorf("remove replayed mutations: %w", err)
	}
	if err := e.cache.MarkSynced(ctx, report.FinishedAt); err != nil {
		log.WithError(err).Warn("record last sync")
	}

	result := "ok"
	if len(report.Failed) > 0 {
		result = "partial"
	}
	syncRuns.WithLabelValues(result).Inc()
	log.WithFields(logrus.Fields{
		"attempted": report.Attempted,
		"succeeded": report.Succeeded,
		"failed":    len(report.Failed),
	}).Info("sync finished")
	return report, nil
}

func (e *SyncEngine) journalStart(ctx context.Context, runID string, m Mutation) {
	if e.journal == nil {
		return
	}
	entry := JournalEntry{
		ID:          m.ID,
		RunID:       runID,
		Kind:        string(m.Kind),
		TaskID:      m.TaskID,
		PayloadJSON: string(m.Payload),
		CreatedAt:   m.EnqueuedAt,
	}
	if entry.PayloadJSON == "" {
		entry.PayloadJSON = "{}"
	}
	if err := e.journal.InsertCreated(ctx, entry); err != nil {
		e.log.WithError(err).WithField("mutation_id", m.ID).Warn("journal insert")
		return
	}
	if err := e.journal.MarkStarted(ctx, m.ID, e.now()); err != nil {
		e.log.WithError(err).WithField("mutation_id", m.ID).Warn("journal start")
	}
}

func (e *SyncEngine) journalFinish(ctx context.Context, id string, result *Task, replayErr error) {
	if e.journal == nil {
		return
	}
	var err error
	if replayErr != nil {
		err = e.journal.MarkFailed(ctx, id, replayErr.Error(), e.now())
	} else {
		var resultJSON *string
		if result != nil {
			if b, merr := json.Marshal(result); merr == nil {
				s := string(b)
				resultJSON = &s
			}
		}
		err = e.journal.MarkSucceeded(ctx, id, resultJSON, e.now())
	}
	if err != nil {
		e.log.WithError(err).WithField("mutation_id", id).Warn("journal finish")
	}
}

// replayer holds the per-run state: provisional ids already confirmed by
// the server and provisional ids whose create failed.
type replayer struct {
	engine  *SyncEngine
	remap   map[string]string
	dropped map[string]bool
}

func (r *replayer) target(id string) string {
	if mapped, ok := r.remap[id]; ok {
		return mapped
	}
	return id
}

func (r *replayer) replay(ctx context.Context, m Mutation) (*Task, error) {
	e := r.engine
	if m.Kind != MutationCreate && r.dropped[m.TaskID] {
		return nil, fmt.Errorf("task %s was never created on the server", m.TaskID)
	}
	id := r.target(m.TaskID)

	switch m.Kind {
	case MutationCreate:
		var p createPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode create payload: %w", err)
		}
		provisional := p.ProvisionalID
		if provisional == "" {
			provisional = m.TaskID
		}
		t, err := e.gw.Create(ctx, p.CreateTaskInput)
		if err != nil {
			if provisional != "" {
				r.dropped[provisional] = true
				if cerr := e.cache.DeleteTask(ctx, provisional); cerr != nil {
					e.log.WithError(cerr).WithField("task_id", provisional).Warn("drop provisional task")
				}
			}
			return nil, err
		}
		if provisional != "" {
			r.remap[provisional] = t.ID
			if cerr := e.cache.ReplaceTask(ctx, provisional, *t); cerr != nil {
				e.log.WithError(cerr).WithField("task_id", t.ID).Warn("replace provisional task")
			}
		}
		return t, nil

	case MutationUpdate:
		var in UpdateTaskInput
		if err := json.Unmarshal(m.Payload, &in); err != nil {
			return nil, fmt.Errorf("decode update payload: %w", err)
		}
		t, err := e.gw.Update(ctx, id, in)
		if err != nil {
			return nil, err
		}
		r.store(ctx, *t)
		return t, nil

	case MutationUpdateStatus:
		var p statusPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode status payload: %w", err)
		}
		t, err := e.gw.ChangeStatus(ctx, id, p.Status)
		if err != nil {
			return nil, err
		}
		r.store(ctx, *t)
		return t, nil

	case MutationDelete:
		if err := e.gw.Delete(ctx, id); err != nil {
			return nil, err
		}
		if cerr := e.cache.DeleteTask(ctx, id); cerr != nil {
			e.log.WithError(cerr).WithField("task_id", id).Warn("drop deleted task")
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown mutation kind %q", m.Kind)
}

func (r *replayer) store(ctx context.Context, t Task) {
	if err := r.engine.cache.SaveTask(ctx, t); err != nil {
		r.engine.log.WithError(err).WithField("task_id", t.ID).Warn("cache replayed task")
	}
}
