package taskflow

import (
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func ids(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestArrange_DefaultOrder(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id string, due *time.Time, p Priority, c time.Time) Task {
		tk := newTask(id, c)
		tk.DueDate = due
		tk.Priority = p
		return tk
	}
	tasks := []Task{
		mk("undated", nil, PriorityUrgent, created),
		mk("later", day("2024-02-02"), PriorityUrgent, created),
		// Same calendar day, different hours: the day is all that counts.
		mk("low", ptr(day("2024-02-01").Add(1*time.Hour)), PriorityLow, created),
		mk("high-old", ptr(day("2024-02-01").Add(20*time.Hour)), PriorityHigh, created),
		mk("high-new", day("2024-02-01"), PriorityHigh, created.Add(time.Hour)),
	}

	got := ids(Arrange(tasks, nil, nil))
	want := []string{"high-new", "high-old", "low", "later", "undated"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestArrange_UndatedLastInBothDirections(t *testing.T) {
	c := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTask("a", c)
	a.DueDate = day("2024-01-05")
	b := newTask("b", c)
	b.DueDate = day("2024-03-05")
	none := newTask("none", c)
	tasks := []Task{none, a, b}

	asc := ids(Arrange(tasks, nil, []SortField{{Key: SortDueDate, Dir: Asc}}))
	desc := ids(Arrange(tasks, nil, []SortField{{Key: SortDueDate, Dir: Desc}}))
	if !reflect.DeepEqual(asc, []string{"a", "b", "none"}) {
		t.Fatalf("asc: got %v", asc)
	}
	if !reflect.DeepEqual(desc, []string{"b", "a", "none"}) {
		t.Fatalf("desc: got %v", desc)
	}
}

func TestArrange_TotalOrderIndependentOfInput(t *testing.T) {
	c := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tasks []Task
	for _, id := range []string{"e", "a", "d", "b", "c"} {
		tasks = append(tasks, newTask(id, c)) // identical on every key
	}
	want := []string{"a", "b", "c", "d", "e"}

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		r.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })
		if got := ids(Arrange(tasks, nil, nil)); !reflect.DeepEqual(got, want) {
			t.Fatalf("shuffle %d: want %v, got %v", i, want, got)
		}
	}
}

func TestArrange_UnknownPriorityRanksAsMedium(t *testing.T) {
	c := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	high := newTask("high", c)
	high.Priority = PriorityHigh
	odd := newTask("odd", c)
	odd.Priority = "someday"
	low := newTask("low", c)
	low.Priority = PriorityLow

	got := ids(Arrange([]Task{low, odd, high}, nil, []SortField{{Key: SortPriority, Dir: Asc}}))
	if !reflect.DeepEqual(got, []string{"high", "odd", "low"}) {
		t.Fatalf("got %v", got)
	}
}

func TestArrange_StatusFilterAndInputUntouched(t *testing.T) {
	c := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	done := newTask("done", c)
	done.Status = StatusCompleted
	tasks := []Task{newTask("b", c), done, newTask("a", c)}

	got := ids(Arrange(tasks, ptr(StatusPending), nil))
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("got %v", got)
	}
	if tasks[0].ID != "b" || tasks[1].ID != "done" {
		t.Fatalf("input slice was reordered: %v", ids(tasks))
	}
}

func TestParseSort(t *testing.T) {
	cases := []struct {
		by, order string
		want      []SortField
		wantErr   bool
	}{
		{by: "", order: "", want: nil},
		{by: "priority", order: "", want: []SortField{{SortPriority, Asc}}},
		{by: "due_date,created_at", order: "desc,asc", want: []SortField{{SortDueDate, Desc}, {SortCreatedAt, Asc}}},
		// A key without its own direction takes the first one given.
		{by: "created_at,priority", order: "desc", want: []SortField{{SortCreatedAt, Desc}, {SortPriority, Desc}}},
		// Repeated keys keep their first occurrence.
		{by: "priority,due_date,priority", order: "asc,desc,desc", want: []SortField{{SortPriority, Asc}, {SortDueDate, Desc}}},
		{by: "title", order: "", wantErr: true},
		{by: "priority", order: "sideways", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSort(tc.by, tc.order)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseSort(%q, %q): expected error", tc.by, tc.order)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSort(%q, %q): %v", tc.by, tc.order, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseSort(%q, %q) = %v, want %v", tc.by, tc.order, got, tc.want)
		}
	}
}

func TestPaginate(t *testing.T) {
	c := time.Now()
	var tasks []Task
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tasks = append(tasks, newTask(id, c))
	}
	if got := ids(Paginate(tasks, 2, 2)); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Fatalf("page 2: got %v", got)
	}
	if got := ids(Paginate(tasks, 3, 2)); !reflect.DeepEqual(got, []string{"e"}) {
		t.Fatalf("page 3: got %v", got)
	}
	if got := Paginate(tasks, 4, 2); len(got) != 0 {
		t.Fatalf("page 4: got %v", ids(got))
	}
}

func TestFormatSort_InvertsParseSort(t *testing.T) {
	by, order := FormatSort([]SortField{{Key: SortPriority, Dir: Desc}, {Key: SortCreatedAt}})
	if by != "priority,created_at" || order != "desc,asc" {
		t.Fatalf("got %q %q", by, order)
	}
	back, err := ParseSort(by, order)
	if err != nil {
		t.Fatalf("ParseSort: %v", err)
	}
	if len(back) != 2 || back[0].Dir != Desc || back[1].Key != SortCreatedAt || back[1].Dir != Asc {
		t.Fatalf("unexpected fields %+v", back)
	}
}
