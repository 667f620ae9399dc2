package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	tf "github.com/mohans/taskflow/taskflow"
)

type taskView struct {
	ID          string      `yaml:"id"`
	Title       string      `yaml:"title"`
	Description string      `yaml:"description,omitempty"`
	Status      tf.Status   `yaml:"status"`
	Priority    tf.Priority `yaml:"priority"`
	Due         string      `yaml:"due,omitempty"`
	AssignedTo  string      `yaml:"assigned_to,omitempty"`
	Overdue     bool        `yaml:"overdue,omitempty"`
	Unsynced    bool        `yaml:"unsynced,omitempty"`
	UpdatedAt   time.Time   `yaml:"updated_at"`
}

func viewOf(item tf.ListItem) taskView {
	v := taskView{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Status:      item.Status,
		Priority:    item.Priority,
		Overdue:     item.Overdue,
		Unsynced:    item.IsProvisional(),
		UpdatedAt:   item.UpdatedAt,
	}
	if item.DueDate != nil {
		v.Due = item.DueDate.Local().Format(dueLayout)
	}
	if item.AssignedTo != nil {
		v.AssignedTo = *item.AssignedTo
	}
	return v
}

func printTasks(w io.Writer, format string, items []tf.ListItem) error {
	views := make([]taskView, len(items))
	for i, it := range items {
		views[i] = viewOf(it)
	}
	if format == "yaml" {
		return yaml.NewEncoder(w).Encode(views)
	}
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "no tasks")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tDUE\tTITLE")
	for _, v := range views {
		due := v.Due
		if v.Overdue {
			due += " (overdue)"
		}
		title := v.Title
		if v.Unsynced {
			title += " [not synced]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Status, v.Priority, due, title)
	}
	return tw.Flush()
}

func printTask(w io.Writer, format string, item tf.ListItem) error {
	v := viewOf(item)
	if format == "yaml" {
		return yaml.NewEncoder(w).Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Title:\t%s\n", v.Title)
	if v.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", v.Description)
	}
	fmt.Fprintf(tw, "Status:\t%s\n", v.Status)
	fmt.Fprintf(tw, "Priority:\t%s\n", v.Priority)
	if v.Due != "" {
		fmt.Fprintf(tw, "Due:\t%s\n", v.Due)
	}
	if v.AssignedTo != "" {
		fmt.Fprintf(tw, "Assigned to:\t%s\n", v.AssignedTo)
	}
	fmt.Fprintf(tw, "Overdue:\t%t\n", v.Overdue)
	fmt.Fprintf(tw, "Synced:\t%t\n", !v.Unsynced)
	return tw.Flush()
}
