package taskflow

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	tf "github.com/mohans/taskflow/taskflow"
)

// Resyncer performs one sync run followed by a refresh. *tf.Store is one.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Processor executes the sync runs queued by a Dispatcher and records their
// lifecycle in the journal.
type Processor struct {
	server  *asynq.Server
	target  Resyncer
	journal tf.Journal
	log     logrus.FieldLogger
}

type ProcessorConfig struct {
	// Concurrency defaults to 1; the sync engine rejects overlapping runs anyway.
	Concurrency int
	Queues      map[string]int
	Journal     tf.Journal
	Logger      logrus.FieldLogger
}

func NewProcessor(redisOpt asynq.RedisClientOpt, target Resyncer, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 1
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{DefaultQueue: 1}
	}
	log := withComponent(cfg.Logger, "processor")
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: con,
		Queues:      qs,
		Logger:      log,
	})
	return &Processor{server: server, target: target, journal: cfg.Journal, log: log}
}

// lifecycleMiddleware marks the run's journal entry started, then succeeded
// or failed.
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, hasID := asynq.GetTaskID(ctx)
		if p.journal != nil && hasID {
			if err := p.journal.MarkStarted(ctx, id, time.Now().UTC()); err != nil {
				p.log.WithError(err).WithField("run_id", id).Warn("journal start")
			}
		}
		err := next.ProcessTask(ctx, t)
		if p.journal != nil && hasID {
			var jerr error
			if err != nil {
				jerr = p.journal.MarkFailed(ctx, id, err.Error(), time.Now().UTC())
			} else {
				jerr = p.journal.MarkSucceeded(ctx, id, nil, time.Now().UTC())
			}
			if jerr != nil {
				p.log.WithError(jerr).WithField("run_id", id).Warn("journal finish")
			}
		}
		return err
	})
}

func (p *Processor) handleSync(ctx context.Context, _ *asynq.Task) error {
	id, _ := asynq.GetTaskID(ctx)
	p.log.WithField("run_id", id).Debug("sync run")
	return p.target.Resync(ctx)
}

// Handler is the processor's full handler chain.
func (p *Processor) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSync, p.handleSync)
	return p.lifecycleMiddleware(mux)
}

// Run serves sync runs until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.server.Start(p.Handler()); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}
	<-ctx.Done()
	p.server.Shutdown()
	return nil
}
