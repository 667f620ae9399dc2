package taskflow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SortKey names a field the task list can be ordered by.
type SortKey string

const (
	SortDueDate   SortKey = "due_date"
	SortPriority  SortKey = "priority"
	SortCreatedAt SortKey = "created_at"
)

// Direction is asc or desc.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type SortField struct {
	Key SortKey
	Dir Direction
}

// DefaultSort is applied when no explicit sort is given: due day first
// (undated last), then priority, then newest first.
var DefaultSort = []SortField{
	{Key: SortDueDate, Dir: Asc},
	{Key: SortPriority, Dir: Asc},
	{Key: SortCreatedAt, Dir: Desc},
}

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

func rankOf(p Priority) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityMedium]
}

// ParseSort reads the comma-separated sort_by/sort_order pair used by the
// list endpoint. Unknown keys are rejected and repeated keys keep their
// first occurrence. A key without its own direction takes the first
// direction given, or ascending when none is.
func ParseSort(sortBy, sortOrder string) ([]SortField, error) {
	if strings.TrimSpace(sortBy) == "" {
		return nil, nil
	}
	var dirs []Direction
	for _, d := range strings.Split(sortOrder, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		switch Direction(d) {
		case Asc, Desc:
			dirs = append(dirs, Direction(d))
		case "":
			dirs = append(dirs, "")
		default:
			return nil, fmt.Errorf("unknown sort direction %q", d)
		}
	}
	fallback := Asc
	if len(dirs) > 0 && dirs[0] != "" {
		fallback = dirs[0]
	}

	seen := make(map[SortKey]bool)
	var fields []SortField
	for i, k := range strings.Split(sortBy, ",") {
		key := SortKey(strings.TrimSpace(k))
		switch key {
		case SortDueDate, SortPriority, SortCreatedAt:
		default:
			return nil, fmt.Errorf("unknown sort key %q", key)
		}
		dir := fallback
		if i < len(dirs) && dirs[i] != "" {
			dir = dirs[i]
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		fields = append(fields, SortField{Key: key, Dir: dir})
	}
	return fields, nil
}

// FormatSort is the inverse of ParseSort.
func FormatSort(fields []SortField) (sortBy, sortOrder string) {
	keys := make([]string, len(fields))
	dirs := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = string(f.Key)
		dir := f.Dir
		if dir == "" {
			dir = Asc
		}
		dirs[i] = string(dir)
	}
	return strings.Join(keys, ","), strings.Join(dirs, ",")
}

// Arrange filters tasks by status (nil passes everything) and orders them by
// fields, or DefaultSort when fields is empty. Ties on every key fall back to
// the task id so the result does not depend on input order. The input slice
// is not modified.
func Arrange(tasks []Task, status *Status, fields []SortField) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if status == nil || t.Status == *status {
			out = append(out, t)
		}
	}
	if len(fields) == 0 {
		fields = DefaultSort
	}
	sort.SliceStable(out, func(i, j int) bool {
		return compareTasks(out[i], out[j], fields) < 0
	})
	return out
}

// Paginate returns the given 1-based page of tasks.
func Paginate(tasks []Task, page, size int) []Task {
	if size <= 0 {
		return tasks
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(tasks) {
		return nil
	}
	end := start + size
	if end > len(tasks) {
		end = len(tasks)
	}
	return tasks[start:end]
}

func compareTasks(a, b Task, fields []SortField) int {
	for _, f := range fields {
		var c int
		switch f.Key {
		case SortDueDate:
			// Undated tasks go last whatever the direction.
			switch {
			case a.DueDate == nil && b.DueDate == nil:
				c = 0
			case a.DueDate == nil:
				return 1
			case b.DueDate == nil:
				return -1
			default:
				c = compareInts(dayOf(*a.DueDate), dayOf(*b.DueDate))
			}
		case SortPriority:
			c = compareInts(rankOf(a.Priority), rankOf(b.Priority))
		case SortCreatedAt:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if f.Dir == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// dayOf truncates t to its UTC calendar day.
func dayOf(t time.Time) int {
	y, m, d := t.UTC().Date()
	return y*10000 + int(m)*100 + d
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
