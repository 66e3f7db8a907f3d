package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/tasksync/internal/correlate"
	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/remote/remotetest"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior/twtest"
)

const (
	uuidA = "aaaaaaaa-0000-4000-8000-000000000001"
	uuidB = "bbbbbbbb-0000-4000-8000-000000000002"
)

type fixture struct {
	local     *twtest.Store
	remote    *remotetest.Backend
	index     *correlate.Index
	guard     *lock.Guard
	queue     *queue.Queue
	engine    *Engine
	reentrant bool

	mu      sync.Mutex
	results []Result
}

func setup(t *testing.T, tasks ...task.Task) *fixture {
	t.Helper()
	dir := t.TempDir()
	idx, err := correlate.Open(filepath.Join(dir, "index"))
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	logger := log.New(io.Discard)
	f := &fixture{
		local:  twtest.New(tasks...),
		remote: remotetest.New(),
		index:  idx,
		guard:  lock.NewGuard(dir),
	}
	f.queue = queue.New(filepath.Join(dir, queue.FileName), f.guard.Queue, logger)
	f.engine, err = New(Config{
		Local:     f.local,
		Remote:    f.remote,
		Index:     idx,
		Scopes:    correlate.NewScopes(nil, "inbox"),
		Guard:     f.guard,
		Queue:     f.queue,
		Reentrant: func() bool { return f.reentrant },
		Logger:    logger,
		Observers: []Observer{ObserverFunc(func(r Result) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.results = append(f.results, r)
		})},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) pending(t *testing.T) []string {
	t.Helper()
	entries, err := f.queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	return entries
}

// hold takes the sync lock until the test ends or the returned func runs.
func (f *fixture) hold(t *testing.T) func() {
	t.Helper()
	release, err := f.guard.Sync.TryAcquire()
	if err != nil {
		t.Fatalf("failed to take sync lock: %v", err)
	}
	t.Cleanup(release)
	return release
}

func webhook(event, id, title, project string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_name":%q,"data":{"task":{"id":%s,"title":%q,"done":false},"project":{"id":1,"title":%q}}}`,
		event, id, title, project))
}

func record(t *testing.T, lt task.Task) string {
	t.Helper()
	data, err := json.Marshal(lt)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty config succeeded")
	}
}

func TestHandleWebhookCreates(t *testing.T) {
	f := setup(t)
	r := f.engine.HandleWebhook(context.Background(), webhook("task.created", "42", "Buy milk", "Home"))

	if r.Status != StatusDone || r.Outcome.Action != reconcile.ActionCreated {
		t.Fatalf("result = %+v, want done/created", r)
	}
	if r.Entry != "remote:42" {
		t.Errorf("entry = %q", r.Entry)
	}
	lt := f.local.Task(r.Outcome.LocalID)
	if lt == nil || lt.Project != "Home" {
		t.Errorf("local record = %+v", lt)
	}
	if f.remote.Cleared() != 1 {
		t.Errorf("label cache cleared %d times, want 1", f.remote.Cleared())
	}

	again := f.engine.HandleWebhook(context.Background(), webhook("task.created", "42", "Buy milk", "Home"))
	if again.Outcome.Action != reconcile.ActionNoop {
		t.Errorf("replayed creation = %s, want noop", again.Summary())
	}
	if n := len(f.local.All()); n != 1 {
		t.Errorf("local store holds %d records, want 1", n)
	}
}

func TestHandleWebhookInvalid(t *testing.T) {
	f := setup(t)
	tests := map[string][]byte{
		"garbage":    []byte("not json"),
		"no project": []byte(`{"event_name":"task.created","data":{"task":{"id":1,"title":"x"}}}`),
		"no id":      []byte(`{"event_name":"task.created","data":{"task":{"title":"x"},"project":{"title":"Home"}}}`),
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			r := f.engine.HandleWebhook(context.Background(), payload)
			if r.Status != StatusDiscarded || syncerr.KindOf(r.Err) != syncerr.KindValidation {
				t.Errorf("result = %+v, want discarded validation error", r)
			}
		})
	}
	if got := f.pending(t); len(got) != 0 {
		t.Errorf("invalid payloads queued: %v", got)
	}
}

func TestHandleWebhookIgnoresOtherEvents(t *testing.T) {
	f := setup(t)
	r := f.engine.HandleWebhook(context.Background(), webhook("task.comment.created", "42", "x", "Home"))
	if r.Status != StatusSkipped {
		t.Errorf("status = %s, want skipped", r.Status)
	}
}

func TestHandleWebhookDeferredWhenLocked(t *testing.T) {
	f := setup(t)
	f.hold(t)

	r := f.engine.HandleWebhook(context.Background(), webhook("task.created", "42", "Buy milk", "Home"))
	if r.Status != StatusDeferred || !r.OK() {
		t.Fatalf("result = %+v, want deferred", r)
	}
	if diff := cmp.Diff([]string{"remote:42"}, f.pending(t)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
	if len(f.local.All()) != 0 {
		t.Error("deferred event touched the local store")
	}
}

func TestWebhookFailureQueuedThenDrained(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.remote.Seed("Home", remote.Task{ID: "42", Title: "Buy milk"})
	f.local.FailOn("Add", fmt.Errorf("exit status 2"))

	r := f.engine.HandleWebhook(ctx, webhook("task.created", "42", "Buy milk", "Home"))
	if r.Status != StatusQueued {
		t.Fatalf("result = %+v, want queued", r)
	}

	f.local.FailOn("Add", nil)
	rep := f.engine.DrainQueue(ctx)
	if rep.Err != nil || rep.Status != StatusDone || rep.Queue.Succeeded != 1 {
		t.Fatalf("drain = %+v", rep)
	}
	if got := f.pending(t); len(got) != 0 {
		t.Errorf("queue not empty: %v", got)
	}
	all := f.local.All()
	if len(all) != 1 || all[0].Description != "Buy milk" || all[0].Project != "Home" {
		t.Errorf("local store = %+v", all)
	}
}

func TestDrainReplaysRemoteDeletion(t *testing.T) {
	f := setup(t, task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home"})
	if err := f.index.Link("Home", uuidA, "42"); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.Append(context.Background(), queue.RemoteEntry("42")); err != nil {
		t.Fatal(err)
	}

	rep := f.engine.DrainQueue(context.Background())
	if rep.Status != StatusDone {
		t.Fatalf("drain = %+v", rep)
	}
	if !f.local.Task(uuidA).IsDeleted() {
		t.Error("remote record is gone but the local one was kept")
	}
}

func TestHandleHookEchoesInputExactly(t *testing.T) {
	f := setup(t)
	f.remote.FailOn("GetOrCreateProject", syncerr.New(syncerr.KindPermanent, "create project", "403 forbidden"))

	original := `{"uuid":"` + uuidA + `","description":"x","status":"pending"}`
	modified := `{"description":"x y",  "status":"pending","uuid":"` + uuidA + `" }`

	echo, r := f.engine.HandleHook(context.Background(), []byte(original+"\n"+modified+"\n"))
	if string(echo) != modified+"\n" {
		t.Errorf("echo = %q, want the modified line", echo)
	}
	if r.Status != StatusFailed {
		t.Errorf("status = %s, want failed", r.Status)
	}

	echo, _ = f.engine.HandleHook(context.Background(), []byte(original))
	if string(echo) != original+"\n" {
		t.Errorf("on-add echo = %q", echo)
	}
}

func TestHookEcho(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"on-add", "a", "a\n"},
		{"on-modify", "a\nb\n", "b\n"},
		{"extra lines", "a\nb\nc", "b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(HookEcho([]byte(tt.in))); got != tt.want {
				t.Errorf("HookEcho(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHandleHookNoInput(t *testing.T) {
	f := setup(t)
	echo, r := f.engine.HandleHook(context.Background(), nil)
	if echo != nil || r.Status != StatusDiscarded {
		t.Errorf("echo = %q result = %+v", echo, r)
	}
}

func TestHandleHookReentrant(t *testing.T) {
	f := setup(t)
	f.reentrant = true
	line := record(t, task.Task{UUID: uuidA, Description: "x", Status: task.StatusPending})

	echo, r := f.engine.HandleHook(context.Background(), []byte(line+"\n"))
	if string(echo) != line+"\n" {
		t.Errorf("echo = %q", echo)
	}
	if r.Status != StatusSkipped {
		t.Errorf("status = %s, want skipped", r.Status)
	}
	if calls := f.remote.Calls(); len(calls) != 0 {
		t.Errorf("remote called during a nested run: %v", calls)
	}
}

func TestHandleHookDeferred(t *testing.T) {
	f := setup(t)
	f.hold(t)
	line := record(t, task.Task{UUID: uuidA, Description: "x", Status: task.StatusPending})

	_, r := f.engine.HandleHook(context.Background(), []byte(line+"\n"+line+"\n"))
	if r.Status != StatusDeferred {
		t.Fatalf("status = %s, want deferred", r.Status)
	}
	if diff := cmp.Diff([]string{uuidA}, f.pending(t)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
}

func TestOnAddHookFinishesOnReplay(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	lt := task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home", Status: task.StatusPending}

	// on-add runs before the record is stored, so annotating it fails.
	_, r := f.engine.HandleHook(ctx, []byte(record(t, lt)+"\n"))
	if r.Status != StatusQueued || r.Outcome.Action != reconcile.ActionCreated {
		t.Fatalf("result = %+v, want created then queued", r)
	}

	if _, err := f.local.Add(ctx, &lt); err != nil {
		t.Fatal(err)
	}
	rep := f.engine.DrainQueue(ctx)
	if rep.Status != StatusDone {
		t.Fatalf("drain = %+v", rep)
	}
	if f.remote.Len() != 1 {
		t.Errorf("remote holds %d records, want 1", f.remote.Len())
	}
	if id, ok := f.local.Task(uuidA).RemoteID(); !ok || id != r.Outcome.RemoteID {
		t.Errorf("remote id annotation = %q, want %s", id, r.Outcome.RemoteID)
	}
}

func TestConcurrentCreationMakesOneCounterpart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	lt := task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home", Status: task.StatusPending}
	if _, err := f.local.Add(ctx, &lt); err != nil {
		t.Fatal(err)
	}
	line := []byte(record(t, lt) + "\n")

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.engine.HandleHook(ctx, line)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r.Status != StatusDone && r.Status != StatusDeferred {
			t.Errorf("result = %+v, want done or deferred", r)
		}
	}
	f.engine.DrainQueue(ctx)
	if f.remote.Len() != 1 {
		t.Errorf("remote holds %d records, want 1", f.remote.Len())
	}
}

func TestCircuitOpenIsReportedAsSuch(t *testing.T) {
	f := setup(t, task.Task{UUID: uuidA, Description: "x", Project: "Home"})
	f.remote.FailOn("GetOrCreateProject", syncerr.New(syncerr.KindCircuitOpen, "create project", "circuit breaker open"))

	r := f.engine.Push(context.Background(), uuidA)
	if r.Status != StatusQueued || r.Summary() != "circuit open" {
		t.Errorf("result = %s (%+v), want queued circuit open", r.Summary(), r)
	}
	if diff := cmp.Diff([]string{uuidA}, f.pending(t)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleDeleteHook(t *testing.T) {
	f := setup(t)
	rt := f.remote.Seed("Home", remote.Task{Title: "x"})
	if err := f.index.Link("Home", uuidA, rt.ID); err != nil {
		t.Fatal(err)
	}
	line := record(t, task.Task{UUID: uuidA, Description: "x", Project: "Home", Status: task.StatusPending})

	echo, r := f.engine.HandleDeleteHook(context.Background(), []byte(line+"\n"))
	if string(echo) != line+"\n" {
		t.Errorf("echo = %q", echo)
	}
	if r.Outcome.Action != reconcile.ActionDeleted || f.remote.Task(rt.ID) != nil {
		t.Errorf("result = %+v, want remote deleted", r)
	}
}

func TestPushMissingIsDiscarded(t *testing.T) {
	f := setup(t)
	r := f.engine.Push(context.Background(), uuidB)
	if r.Status != StatusDiscarded {
		t.Errorf("status = %s, want discarded", r.Status)
	}
	if got := f.pending(t); len(got) != 0 {
		t.Errorf("missing task queued: %v", got)
	}
}

func TestDrainDropsMissingLocal(t *testing.T) {
	f := setup(t)
	if err := f.queue.Append(context.Background(), uuidB); err != nil {
		t.Fatal(err)
	}
	rep := f.engine.DrainQueue(context.Background())
	if diff := cmp.Diff([]string{uuidB}, rep.Queue.Dropped); diff != "" {
		t.Errorf("dropped mismatch (-want +got):\n%s", diff)
	}
	if got := f.pending(t); len(got) != 0 {
		t.Errorf("queue not empty: %v", got)
	}
}

func TestDrainKeepsTransientFailures(t *testing.T) {
	f := setup(t, task.Task{UUID: uuidA, Description: "x", Project: "Home"})
	ctx := context.Background()
	if err := f.queue.Append(ctx, uuidA); err != nil {
		t.Fatal(err)
	}
	f.remote.FailOn("GetOrCreateProject", syncerr.New(syncerr.KindTransient, "create project", "503"))

	rep := f.engine.DrainQueue(ctx)
	if rep.Status != StatusQueued {
		t.Errorf("status = %s, want queued", rep.Status)
	}
	if diff := cmp.Diff([]string{uuidA}, f.pending(t)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainSkippedWhenLocked(t *testing.T) {
	f := setup(t)
	f.hold(t)
	if rep := f.engine.DrainQueue(context.Background()); rep.Status != StatusDeferred {
		t.Errorf("status = %s, want deferred", rep.Status)
	}
}

func TestMoveProject(t *testing.T) {
	f := setup(t, task.Task{UUID: uuidA, Description: "x", Project: "Home"})
	rt := f.remote.Seed("Home", remote.Task{Title: "x"})
	if err := f.index.Link("Home", uuidA, rt.ID); err != nil {
		t.Fatal(err)
	}

	r := f.engine.MoveProject(context.Background(), uuidA, "Work")
	if r.Status != StatusDone {
		t.Fatalf("result = %+v", r)
	}
	if got, want := f.remote.Task(rt.ID).ProjectID, f.remote.ProjectID("Work"); got != want {
		t.Errorf("remote project = %s, want %s", got, want)
	}
	if got := f.local.Task(uuidA).Project; got != "Home" {
		t.Errorf("local project changed to %q", got)
	}
}

func TestResultJSON(t *testing.T) {
	f := setup(t)
	r := f.engine.HandleWebhook(context.Background(), []byte("{"))
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"status":"discarded"`, `"error_kind":"validation"`, `"trigger":"webhook"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("%s missing %s", data, want)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) != 1 {
		t.Errorf("observer saw %d results, want 1", len(f.results))
	}
}
