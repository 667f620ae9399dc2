package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tf "github.com/mohans/taskflow/taskflow"
)

const dueLayout = "2006-01-02"

func listCmd(a *app) *cobra.Command {
	var (
		status, priority  string
		sortBy, sortOrder string
		pages             int
		all               bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, from the server when reachable and the cache otherwise",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := buildFilter(status, priority, sortBy, sortOrder)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := a.login(ctx, loginOptions{filter: filter})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)

			for loaded := 1; (all || loaded < pages) && s.Store.HasMore(); loaded++ {
				if _, err := s.Store.NextPage(ctx); err != nil {
					return err
				}
			}
			if s.Store.Offline() {
				fmt.Fprintln(cmd.ErrOrStderr(), "offline: showing cached tasks")
			}
			return printTasks(cmd.OutOrStdout(), a.output, s.Store.View(time.Now()))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status")
	cmd.Flags().StringVar(&priority, "priority", "", "only tasks with this priority")
	cmd.Flags().StringVar(&sortBy, "sort-by", "", "comma separated keys: due_date, priority, created_at")
	cmd.Flags().StringVar(&sortOrder, "sort-order", "", "comma separated asc/desc, one per key")
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to load")
	cmd.Flags().BoolVar(&all, "all", false, "load every page")
	return cmd
}

func buildFilter(status, priority, sortBy, sortOrder string) (tf.ListFilter, error) {
	var f tf.ListFilter
	if status != "" {
		st := tf.Status(status)
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", status)
		}
		f.Status = &st
	}
	if priority != "" {
		p := tf.Priority(priority)
		if !p.Valid() {
			return f, fmt.Errorf("unknown priority %q", priority)
		}
		f.Priority = &p
	}
	sort, err := tf.ParseSort(sortBy, sortOrder)
	if err != nil {
		return f, err
	}
	f.Sort = sort
	return f, nil
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.login(ctx, loginOptions{})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)

			t, err := s.Store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), a.output, tf.ListItem{Task: *t, Overdue: t.IsOverdue(time.Now())})
		},
	}
}

func createCmd(a *app) *cobra.Command {
	var description, priority, due string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task; queued when offline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := tf.CreateTaskInput{
				Title:       strings.Join(args, " "),
				Description: description,
				Priority:    tf.Priority(priority),
			}
			if due != "" {
				d, err := parseDue(due)
				if err != nil {
					return err
				}
				in.DueDate = &d
			}

			ctx := cmd.Context()
			s, err := a.login(ctx, loginOptions{})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)

			res, err := s.Store.Create(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s: %s\n", res.Task.ID, res.Message())
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "low, medium, high or urgent (default medium)")
	cmd.Flags().StringVar(&due, "due", "", "due date, YYYY-MM-DD")
	return cmd
}

func updateCmd(a *app) *cobra.Command {
	var title, description, priority, status, due string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a task; queued when offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in tf.UpdateTaskInput
			flags := cmd.Flags()
			if flags.Changed("title") {
				in.Title = &title
			}
			if flags.Changed("description") {
				in.Description = &description
			}
			if flags.Changed("priority") {
				p := tf.Priority(priority)
				in.Priority = &p
			}
			if flags.Changed("status") {
				st := tf.Status(status)
				in.Status = &st
			}
			if flags.Changed("due") {
				d, err := parseDue(due)
				if err != nil {
					return err
				}
				in.DueDate = &d
			}

			ctx := cmd.Context()
			s, err := a.login(ctx, loginOptions{})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)

			res, err := s.Store.Update(ctx, args[0], in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s: %s\n", args[0], res.Message())
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "new priority")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&due, "due", "", "new due date, YYYY-MM-DD")
	return cmd
}

func doneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.login(ctx, loginOptions{})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)

			res, err := s.Store.UpdateStatus(ctx, args[0], tf.StatusCompleted)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %s: %s\n", args[0], res.Message())
			return nil
		},
	}
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a task; queued when offline",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.login(ctx, loginOptions{})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)

			res, err := s.Store.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s: %s\n", args[0], res.Message())
			return nil
		},
	}
}

func assignCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <user-id>",
		Short: "Assign a task to a user (online only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.login(ctx, loginOptions{})
			if err != nil {
				return err
			}
			defer s.Logout(ctx, false)

			res, err := s.Store.Assign(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "assigned %s to %s: %s\n", args[0], args[1], res.Message())
			return nil
		},
	}
}

func parseDue(s string) (time.Time, error) {
	d, err := time.ParseInLocation(dueLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("due date %q: want YYYY-MM-DD", s)
	}
	return d.UTC(), nil
}
