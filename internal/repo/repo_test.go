package repo_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"todoline/internal/domain"
	"todoline/internal/repo"
	"todoline/internal/validate"
)

var (
	alice = domain.Tenant{ServerID: 1, ChannelID: 10, UserID: 100}
	bob   = domain.Tenant{ServerID: 1, ChannelID: 10, UserID: 200}
)

func newTestRepo(t *testing.T) *repo.Repo {
	t.Helper()
	r, err := repo.Open(context.Background(), repo.Config{
		Path:  filepath.Join(t.TempDir(), "data", "tasks.db"),
		Retry: repo.RetryPolicy{Retries: 1, Delay: time.Millisecond},
		Now:   func() time.Time { return time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func mustAdd(t *testing.T, r *repo.Repo, tenant domain.Tenant, desc string, p domain.Priority, date string) domain.Task {
	t.Helper()
	task, err := r.AddTask(context.Background(), tenant, desc, p, date)
	if err != nil {
		t.Fatalf("add %q: %v", desc, err)
	}
	return task
}

func descriptions(tasks []domain.Task) []string {
	var out []string
	for _, t := range tasks {
		out = append(out, t.Description)
	}
	return out
}

func TestAddTaskDefaultsAndBounds(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	task := mustAdd(t, r, alice, "  buy milk  ", domain.PriorityA, "")
	if task.ID < 1 || task.Description != "buy milk" || task.TaskDate != "2024-06-02" || task.Done {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := r.AddTask(ctx, alice, strings.Repeat("x", 500), domain.PriorityB, ""); err != nil {
		t.Fatalf("500 chars: %v", err)
	}
	for _, desc := range []string{"", "   ", strings.Repeat("x", 501)} {
		if _, err := r.AddTask(ctx, alice, desc, domain.PriorityB, ""); !errors.Is(err, validate.ErrValidation) {
			t.Fatalf("AddTask(len %d) expected validation error, got %v", len(desc), err)
		}
	}
	if _, err := r.AddTask(ctx, alice, "x", domain.Priority("D"), ""); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("bad priority: %v", err)
	}
	if _, err := r.AddTask(ctx, alice, "x", domain.PriorityA, "2024-02-30"); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("bad date: %v", err)
	}
}

func TestTasksOrderingAndScope(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c1 := mustAdd(t, r, alice, "c1", domain.PriorityC, "")
	a1 := mustAdd(t, r, alice, "a1", domain.PriorityA, "")
	b1 := mustAdd(t, r, alice, "b1", domain.PriorityB, "")
	a2 := mustAdd(t, r, alice, "a2", domain.PriorityA, "")
	mustAdd(t, r, bob, "bob", domain.PriorityA, "")
	mustAdd(t, r, alice, "tomorrow", domain.PriorityA, "2024-06-03")

	if ok, err := r.MarkDone(ctx, alice, a1.ID); err != nil || !ok {
		t.Fatalf("mark done: %v %v", ok, err)
	}

	all, err := r.Tasks(ctx, alice, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.Join(descriptions(all), ","), "a2,a1,b1,c1"; got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
	open, err := r.Tasks(ctx, alice, "2024-06-02", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(descriptions(open), ","); got != "a2,b1,c1" {
		t.Fatalf("open = %s", got)
	}

	if _, err := r.TaskByID(ctx, bob, a2.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-tenant read: %v", err)
	}
	if ok, err := r.MarkDone(ctx, bob, b1.ID); err != nil || ok {
		t.Fatalf("cross-tenant mark: %v %v", ok, err)
	}
	if ok, err := r.DeleteTask(ctx, bob, c1.ID); err != nil || ok {
		t.Fatalf("cross-tenant delete: %v %v", ok, err)
	}
	got, err := r.TaskByID(ctx, alice, a1.ID)
	if err != nil || !got.Done {
		t.Fatalf("task by id: %+v %v", got, err)
	}
	if ok, err := r.MarkUndone(ctx, alice, a1.ID); err != nil || !ok {
		t.Fatalf("mark undone: %v %v", ok, err)
	}
	if _, err := r.TaskByID(ctx, alice, 9999); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing id: %v", err)
	}
}

func TestUpdateTask(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	task := mustAdd(t, r, alice, "draft", domain.PriorityC, "")

	if ok, err := r.UpdateTask(ctx, alice, task.ID, nil, nil); err != nil || ok {
		t.Fatalf("no-op update: %v %v", ok, err)
	}
	desc := "final"
	if ok, err := r.UpdateTask(ctx, alice, task.ID, &desc, nil); err != nil || !ok {
		t.Fatalf("update desc: %v %v", ok, err)
	}
	p := domain.PriorityA
	if ok, err := r.UpdateTask(ctx, alice, task.ID, nil, &p); err != nil || !ok {
		t.Fatalf("update priority: %v %v", ok, err)
	}
	both := "both"
	pb := domain.PriorityB
	if ok, err := r.UpdateTask(ctx, alice, task.ID, &both, &pb); err != nil || !ok {
		t.Fatalf("update both: %v %v", ok, err)
	}
	got, err := r.TaskByID(ctx, alice, task.ID)
	if err != nil || got.Description != "both" || got.Priority != domain.PriorityB {
		t.Fatalf("after update: %+v %v", got, err)
	}
	long := strings.Repeat("y", 501)
	if _, err := r.UpdateTask(ctx, alice, task.ID, &long, nil); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("long update: %v", err)
	}
	if ok, err := r.UpdateTask(ctx, bob, task.ID, &desc, nil); err != nil || ok {
		t.Fatalf("cross-tenant update: %v %v", ok, err)
	}
}

func TestClearCompletedAndDelete(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := mustAdd(t, r, alice, "a", domain.PriorityA, "")
	b := mustAdd(t, r, alice, "b", domain.PriorityB, "")
	mustAdd(t, r, alice, "c", domain.PriorityC, "")
	bobTask := mustAdd(t, r, bob, "b", domain.PriorityB, "")
	for _, id := range []int64{a.ID, b.ID} {
		if _, err := r.MarkDone(ctx, alice, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.MarkDone(ctx, bob, bobTask.ID); err != nil {
		t.Fatal(err)
	}
	n, err := r.ClearCompleted(ctx, alice, "")
	if err != nil || n != 2 {
		t.Fatalf("clear completed: %d %v", n, err)
	}
	left, _ := r.Tasks(ctx, alice, "", true)
	if len(left) != 1 || left[0].Description != "c" {
		t.Fatalf("remaining: %v", descriptions(left))
	}
	if _, err := r.TaskByID(ctx, bob, bobTask.ID); err != nil {
		t.Fatalf("bob's task should survive: %v", err)
	}
	if ok, err := r.DeleteTask(ctx, alice, left[0].ID); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := r.DeleteTask(ctx, alice, left[0].ID); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestRollover(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	from, to := "2024-06-01", "2024-06-02"
	mustAdd(t, r, alice, "write report", domain.PriorityA, from)
	mustAdd(t, r, alice, "call mom", domain.PriorityB, from)
	done := mustAdd(t, r, alice, "finished", domain.PriorityC, from)
	mustAdd(t, r, bob, "write report", domain.PriorityA, from)
	mustAdd(t, r, alice, "call mom", domain.PriorityB, to)
	if _, err := r.MarkDone(ctx, alice, done.ID); err != nil {
		t.Fatal(err)
	}

	moved, err := r.Rollover(ctx, from, to)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if moved != 2 {
		t.Fatalf("moved = %d, want 2", moved)
	}
	again, err := r.Rollover(ctx, from, to)
	if err != nil || again != 0 {
		t.Fatalf("second rollover: %d %v", again, err)
	}

	today, _ := r.Tasks(ctx, alice, to, true)
	if got := strings.Join(descriptions(today), ","); got != "write report,call mom" {
		t.Fatalf("alice today = %s", got)
	}
	for _, task := range today {
		if task.Done {
			t.Fatalf("rolled task should be open: %+v", task)
		}
	}
	source, _ := r.Tasks(ctx, alice, from, true)
	if len(source) != 3 {
		t.Fatalf("source rows changed: %v", descriptions(source))
	}
	bobToday, _ := r.Tasks(ctx, bob, to, true)
	if len(bobToday) != 1 {
		t.Fatalf("bob today = %v", descriptions(bobToday))
	}

	// a new open task on the source date is additive on re-run
	mustAdd(t, r, alice, "late addition", domain.PriorityC, from)
	moved, err = r.Rollover(ctx, from, to)
	if err != nil || moved != 1 {
		t.Fatalf("additive rollover: %d %v", moved, err)
	}
	if n, err := r.Rollover(ctx, "2020-01-01", to); err != nil || n != 0 {
		t.Fatalf("empty source: %d %v", n, err)
	}
}

func TestRolloverCollapsesDuplicates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustAdd(t, r, alice, "same", domain.PriorityA, "2024-06-01")
	mustAdd(t, r, alice, "same", domain.PriorityA, "2024-06-01")
	moved, err := r.Rollover(ctx, "2024-06-01", "2024-06-02")
	if err != nil || moved != 1 {
		t.Fatalf("moved = %d, %v", moved, err)
	}
}

func TestCleanupOldAndContexts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	mustAdd(t, r, alice, "ancient", domain.PriorityA, "2024-04-01")
	mustAdd(t, r, alice, "recent", domain.PriorityA, "2024-05-30")
	mustAdd(t, r, bob, "today", domain.PriorityA, "")
	mustAdd(t, r, alice, "today", domain.PriorityB, "")

	if n, err := r.CleanupOld(ctx, 0); err != nil || n != 0 {
		t.Fatalf("disabled cleanup: %d %v", n, err)
	}
	n, err := r.CleanupOld(ctx, 30)
	if err != nil || n != 1 {
		t.Fatalf("cleanup: %d %v", n, err)
	}
	if _, err := r.CleanupOld(ctx, 4000); !errors.Is(err, validate.ErrValidation) {
		t.Fatalf("cleanup above limit: %v", err)
	}

	tenants, err := r.UserContexts(ctx, "2024-06-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(tenants) != 2 || tenants[0] != alice || tenants[1] != bob {
		t.Fatalf("contexts = %+v", tenants)
	}

	st, err := r.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalTasks != 3 || st.UniqueUsers != 2 || st.SchemaVersion != 2 || st.LatestSchema != 2 || st.StorePath != r.Path() {
		t.Fatalf("stats = %+v", st)
	}
}

func TestClosedRepoReportsConnectionError(t *testing.T) {
	r := newTestRepo(t)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	ctx := context.Background()
	if _, err := r.AddTask(ctx, alice, "x", domain.PriorityA, ""); !errors.Is(err, repo.ErrConnection) {
		t.Fatalf("add after close: %v", err)
	}
	if _, err := r.Tasks(ctx, alice, "", true); !errors.Is(err, repo.ErrConnection) {
		t.Fatalf("tasks after close: %v", err)
	}
	if _, err := r.Stats(ctx); !errors.Is(err, repo.ErrConnection) {
		t.Fatalf("stats after close: %v", err)
	}
}

func TestOpenFailsOnUnwritablePath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := repo.Open(context.Background(), repo.Config{Path: filepath.Join(blocker, "tasks.db")})
	if !errors.Is(err, repo.ErrInitialization) {
		t.Fatalf("expected initialization error, got %v", err)
	}
}
