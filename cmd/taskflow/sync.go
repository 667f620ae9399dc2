package main

import (
	"errors"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mohans/taskflow"
	"github.com/mohans/taskflow/internal/config"
	tf "github.com/mohans/taskflow/taskflow"
)

func loginCmd(a *app) *cobra.Command {
	var token, refreshToken, userID, baseURL string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store API credentials and load the first page of tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			a.cfg.API.Token = token
			a.cfg.API.RefreshToken = refreshToken
			if userID != "" {
				a.cfg.API.UserID = userID
			}
			if baseURL != "" {
				a.cfg.API.BaseURL = baseURL
			}
			if err := config.Save(a.cfgPath, a.cfg); err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := a.login(ctx, loginOptions{})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)
			state := "online"
			if s.Store.Offline() {
				state = "offline, using cache"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in (%s): %d tasks loaded\n", state, len(s.Store.Tasks()))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token")
	cmd.Flags().StringVar(&userID, "user-id", "", "your user id")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "API base URL")
	return cmd
}

func logoutCmd(a *app) *cobra.Command {
	var clearCache bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget stored credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg.API.Token = ""
			a.cfg.API.RefreshToken = ""
			if err := config.Save(a.cfgPath, a.cfg); err != nil {
				return err
			}
			if clearCache {
				if err := a.cache.Clear(cmd.Context()); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearCache, "clear-cache", false, "also drop cached tasks and unsynced changes")
	return cmd
}

type statusView struct {
	Online   bool       `yaml:"online"`
	Queued   int        `yaml:"queued"`
	Failed   int        `yaml:"failed"`
	LastSync *time.Time `yaml:"last_sync,omitempty"`
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and sync state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			mon := tf.NewMonitor(tf.MonitorOptions{
				BaseURL:    a.cfg.API.BaseURL,
				HealthPath: a.cfg.Monitor.HealthPath,
				Timeout:    a.cfg.Monitor.Timeout,
				Logger:     a.log,
			})
			v := statusView{Online: mon.Probe(ctx)}

			queue, err := a.cache.Queue(ctx)
			if err != nil {
				return err
			}
			v.Queued = len(queue)
			failed, err := a.journal.ListFailed(ctx, 0)
			if err != nil {
				return err
			}
			v.Failed = len(failed)
			last, err := a.cache.LastSync(ctx)
			if err != nil {
				return err
			}
			if !last.IsZero() {
				v.LastSync = &last
			}

			w := cmd.OutOrStdout()
			if a.output == "yaml" {
				return yaml.NewEncoder(w).Encode(v)
			}
			state := "online"
			if !v.Online {
				state = "offline"
			}
			fmt.Fprintf(w, "Backend:    %s (%s)\n", state, a.cfg.API.BaseURL)
			fmt.Fprintf(w, "Queued:     %d\n", v.Queued)
			fmt.Fprintf(w, "Rejected:   %d\n", v.Failed)
			if v.LastSync != nil {
				fmt.Fprintf(w, "Last sync:  %s\n", v.LastSync.Local().Format(time.RFC1123))
			} else {
				fmt.Fprintln(w, "Last sync:  never")
			}
			return nil
		},
	}
}

type mutationView struct {
	ID       string          `yaml:"id"`
	Kind     tf.MutationKind `yaml:"kind"`
	TaskID   string          `yaml:"task_id"`
	Data     string          `yaml:"data,omitempty"`
	QueuedAt time.Time       `yaml:"queued_at"`
}

func queueCmd(a *app) *cobra.Command {
	var failed bool
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List changes waiting to be synced",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

			if failed {
				entries, err := a.journal.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				if a.output == "yaml" {
					return yaml.NewEncoder(w).Encode(entries)
				}
				fmt.Fprintln(tw, "ID\tKIND\tTASK\tERROR")
				for _, e := range entries {
					msg := ""
					if e.ErrorMsg != nil {
						msg = *e.ErrorMsg
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Kind, e.TaskID, msg)
				}
				return tw.Flush()
			}

			queue, err := a.cache.Queue(ctx)
			if err != nil {
				return err
			}
			if a.output == "yaml" {
				views := make([]mutationView, len(queue))
				for i, m := range queue {
					views[i] = mutationView{ID: m.ID, Kind: m.Kind, TaskID: m.TaskID, Data: string(m.Payload), QueuedAt: m.EnqueuedAt}
				}
				return yaml.NewEncoder(w).Encode(views)
			}
			if len(queue) == 0 {
				fmt.Fprintln(w, "nothing queued")
				return nil
			}
			fmt.Fprintln(tw, "ID\tKIND\tTASK\tQUEUED AT")
			for _, m := range queue {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Kind, m.TaskID, m.EnqueuedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "show changes the server rejected instead")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rejected changes to show")
	return cmd
}

func syncCmd(a *app) *cobra.Command {
	var queued bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes against the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			if queued {
				if a.cfg.Sync.RedisAddr == "" {
					return errors.New("--queued needs sync.redis_addr")
				}
				d := taskflow.NewDispatcher(asynq.RedisClientOpt{Addr: a.cfg.Sync.RedisAddr}, taskflow.DispatcherOptions{
					Queue:   a.cfg.Sync.Queue,
					Journal: a.journal,
					Logger:  a.log,
				})
				defer d.Close()
				info, err := d.Trigger(ctx, "manual")
				if err != nil {
					return err
				}
				if info == nil {
					fmt.Fprintln(w, "a sync is already pending")
					return nil
				}
				fmt.Fprintf(w, "sync run %s enqueued\n", info.ID)
				return nil
			}

			s, err := a.login(ctx, loginOptions{})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)
			if s.Store.Offline() {
				return errors.New("backend unreachable; queued changes are kept")
			}
			report, err := s.Engine.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "replayed %d changes: %d accepted, %d rejected\n", report.Attempted, report.Succeeded, len(report.Failed))
			for _, f := range report.Failed {
				fmt.Fprintf(w, "  %s %s: %v\n", f.Mutation.Kind, f.Mutation.TaskID, f.Err)
			}
			return s.Store.Refresh(ctx)
		},
	}
	cmd.Flags().BoolVar(&queued, "queued", false, "hand the run to a background processor")
	return cmd
}

func watchCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected: print live changes and sync whenever the backend comes back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()

			opts := loginOptions{live: true}
			var d *taskflow.Dispatcher
			redisOpt := asynq.RedisClientOpt{Addr: a.cfg.Sync.RedisAddr}
			if a.cfg.Sync.RedisAddr != "" {
				d = taskflow.NewDispatcher(redisOpt, taskflow.DispatcherOptions{
					Queue:   a.cfg.Sync.Queue,
					Journal: a.journal,
					Logger:  a.log,
				})
				defer d.Close()
				opts.onReconnect = d.OnReconnect
			}

			s, err := a.login(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)

			stop := s.Monitor.OnChange(func(offline bool) {
				if offline {
					fmt.Fprintln(w, "backend unreachable, changes will be queued")
				} else {
					fmt.Fprintln(w, "backend reachable again, syncing")
				}
			})
			defer stop()
			sub, err := s.Events.Subscribe(ctx, func(ev tf.TaskEvent) {
				fmt.Fprintf(w, "%s %s %s\n", time.Now().Format(time.TimeOnly), ev.Type, ev.TaskID)
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.WithError(err).Error("metrics server")
					}
				}()
				defer srv.Close()
			}

			fmt.Fprintf(w, "watching %d tasks, Ctrl-C to stop\n", len(s.Store.Tasks()))
			if d == nil {
				<-ctx.Done()
				return nil
			}
			p := taskflow.NewProcessor(redisOpt, s.Store, taskflow.ProcessorConfig{
				Queues:  map[string]int{a.cfg.Sync.Queue: 1},
				Journal: a.journal,
				Logger:  a.log,
			})
			return p.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	return cmd
}
