package cleanup_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"evalflow/internal/cleanup"
	"evalflow/internal/jobs"
	"evalflow/internal/queue"
)

// fakeQueue refuses to remove ids listed in stuck, whatever state they reach.
type fakeQueue struct {
	jobs      []queue.Job
	stuck     map[string]bool
	removed   []string
	failed    []string
	completed []string
	listErr   error
}

func (f *fakeQueue) Name() string { return "evalItem" }

func (f *fakeQueue) GetJobs(ctx context.Context, states ...queue.State) ([]queue.Job, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	want := map[queue.State]bool{}
	for _, s := range states {
		want[s] = true
	}
	var res []queue.Job
	for _, j := range f.jobs {
		if want[j.State] {
			res = append(res, j)
		}
	}
	return res, nil
}

func (f *fakeQueue) Remove(ctx context.Context, id string) error {
	if f.stuck[id] {
		return queue.ErrJobLocked
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeQueue) MoveToFailed(ctx context.Context, id, reason string) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeQueue) MoveToCompleted(ctx context.Context, id string, result any) error {
	f.completed = append(f.completed, id)
	return nil
}

func itemJob(t *testing.T, id, taskID, itemID string, state queue.State) queue.Job {
	t.Helper()
	data, err := json.Marshal(jobs.Encode(jobs.ItemJob{TaskID: taskID, ItemID: itemID}))
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: id, Name: itemID, Data: data, State: state}
}

func newCleaner(force bool) *cleanup.Cleaner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return cleanup.New(cleanup.Options{ForceCleanActiveJobs: force, RetryAttempts: 3, RetryDelay: time.Millisecond}, logger)
}

func TestStuckActiveJobIsCountedNotReturned(t *testing.T) {
	q := &fakeQueue{
		jobs: []queue.Job{
			itemJob(t, "j1", "t1", "i1", queue.StateWaiting),
			itemJob(t, "j2", "t1", "i2", queue.StateActive),
			itemJob(t, "j3", "t1", "i3", queue.StateFailed),
			itemJob(t, "j4", "t2", "i4", queue.StateWaiting),
		},
		stuck: map[string]bool{"j2": true},
	}
	res, err := newCleaner(true).RemoveItemJobs(context.Background(), q, "t1")
	if err != nil {
		t.Fatalf("clean must not fail: %v", err)
	}
	if res.Total != 3 || res.Removed != 2 || res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(q.failed) != 1 || len(q.completed) != 1 {
		t.Fatalf("expected full escalation, failed=%v completed=%v", q.failed, q.completed)
	}
}

func TestActiveJobsSkippedWithoutForce(t *testing.T) {
	q := &fakeQueue{jobs: []queue.Job{itemJob(t, "j1", "t1", "i1", queue.StateActive)}}
	res, err := newCleaner(false).RemoveItemJobsByItemID(context.Background(), q, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || len(q.removed) != 0 || len(q.failed) != 0 {
		t.Fatalf("active job must be left alone: %+v", res)
	}
}

func TestEscalationStopsAtFirstSuccess(t *testing.T) {
	q := &fakeQueue{jobs: []queue.Job{itemJob(t, "j1", "t1", "i1", queue.StateActive)}}
	res, _ := newCleaner(true).CleanJobsByFilter(context.Background(), q, func(queue.Job) bool { return true })
	if res.Removed != 1 || len(q.failed) != 0 {
		t.Fatalf("plain remove should suffice: %+v failed=%v", res, q.failed)
	}
}

func TestListFailureIsReturned(t *testing.T) {
	q := &fakeQueue{listErr: errors.New("db down")}
	if _, err := newCleaner(true).RemoveTaskJobs(context.Background(), q, "t1"); err == nil {
		t.Fatalf("expected list error")
	}
}
