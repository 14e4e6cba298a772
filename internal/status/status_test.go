package status_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"evalflow/internal/domain"
	"evalflow/internal/jobs"
	"evalflow/internal/queue"
	"evalflow/internal/status"
)

type fakeSource struct {
	name string
	jobs []queue.Job
	err  error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) GetJobs(ctx context.Context, states ...queue.State) ([]queue.Job, error) {
	return f.GetJobsByName(ctx, "", states...)
}

func (f *fakeSource) GetJobsByName(ctx context.Context, name string, states ...queue.State) ([]queue.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	want := map[queue.State]bool{}
	for _, s := range states {
		want[s] = true
	}
	var res []queue.Job
	for _, j := range f.jobs {
		if (name == "" || j.Name == name) && want[j.State] {
			res = append(res, j)
		}
	}
	return res, nil
}

func job(t *testing.T, p jobs.Payload, state queue.State) queue.Job {
	t.Helper()
	data, err := json.Marshal(jobs.Encode(p))
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: p.Name() + string(state), Name: p.Name(), Data: data, State: state}
}

func strPtr(s string) *string { return &s }

func projector(tasks, items *fakeSource) status.Projector {
	return status.Projector{Tasks: tasks, Items: items, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestItemStatusPriority(t *testing.T) {
	item := domain.Item{ID: "i1", TaskID: "t1", FinishTime: strPtr("2024-01-01T00:00:00Z")}
	ij := jobs.ItemJob{TaskID: "t1", ItemID: "i1"}
	tests := []struct {
		name   string
		states []queue.State
		item   domain.Item
		want   domain.Status
	}{
		{"active wins over failed", []queue.State{queue.StateFailed, queue.StateActive}, item, domain.StatusEvaluating},
		{"failed wins over waiting", []queue.State{queue.StateWaiting, queue.StateFailed}, item, domain.StatusError},
		{"delayed is queuing", []queue.State{queue.StateDelayed}, item, domain.StatusQueuing},
		{"completed job defers to record", []queue.State{queue.StateCompleted}, item, domain.StatusCompleted},
		{"finished with error", nil, domain.Item{ID: "i1", FinishTime: strPtr("x"), ErrorMessage: "boom"}, domain.StatusError},
		{"pending retry stays queuing", nil, domain.Item{ID: "i1", ErrorMessage: "[TaskExecute] 503"}, domain.StatusQueuing},
		{"missing record", nil, domain.Item{}, domain.StatusQueuing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := &fakeSource{name: "evalItem"}
			for _, s := range tt.states {
				items.jobs = append(items.jobs, job(t, ij, s))
			}
			p := projector(&fakeSource{name: "evalTask"}, items)
			if got := p.ItemStatus(context.Background(), tt.item); got != tt.want {
				t.Fatalf("ItemStatus = %s, want %s", got, tt.want)
			}
			batch := p.BatchItemStatus(context.Background(), []domain.Item{tt.item})
			if tt.item.ID != "" && batch[tt.item.ID] != tt.want {
				t.Fatalf("BatchItemStatus = %s, want %s", batch[tt.item.ID], tt.want)
			}
		})
	}
}

func TestTaskStatus(t *testing.T) {
	ctx := context.Background()
	task := domain.Task{ID: "t1"}

	items := &fakeSource{name: "evalItem", jobs: []queue.Job{job(t, jobs.ItemJob{TaskID: "t1", ItemID: "i1"}, queue.StateWaiting)}}
	tasks := &fakeSource{name: "evalTask", jobs: []queue.Job{job(t, jobs.TaskJob{TaskID: "t1"}, queue.StateCompleted)}}
	p := projector(tasks, items)
	if got := p.TaskStatus(ctx, task); got != domain.StatusEvaluating {
		t.Fatalf("live item jobs must project evaluating, got %s", got)
	}

	tasks.jobs = append(tasks.jobs, job(t, jobs.TaskJob{TaskID: "t1"}, queue.StateWaiting))
	if got := p.TaskStatus(ctx, task); got != domain.StatusQueuing {
		t.Fatalf("waiting task job must project queuing, got %s", got)
	}

	tasks.jobs = nil
	items.jobs = nil
	if got := p.TaskStatus(ctx, task); got != domain.StatusQueuing {
		t.Fatalf("idle task is queuing, got %s", got)
	}
	if got := p.TaskStatus(ctx, domain.Task{ID: "t1", FinishTime: strPtr("x")}); got != domain.StatusCompleted {
		t.Fatalf("finished task is completed, got %s", got)
	}
	paused := domain.Task{ID: "t1", PauseReason: domain.PauseInsufficientQuota, ErrorMessage: "insufficient quota"}
	if got := p.TaskStatus(ctx, paused); got != domain.StatusError {
		t.Fatalf("paused task is error, got %s", got)
	}

	tasks.err = errors.New("queue down")
	if got := p.TaskStatus(ctx, task); got != domain.StatusError {
		t.Fatalf("queue errors project error, got %s", got)
	}
}

func TestBatchTaskStatus(t *testing.T) {
	items := &fakeSource{name: "evalItem", jobs: []queue.Job{job(t, jobs.ItemJob{TaskID: "t2", ItemID: "i9"}, queue.StateActive)}}
	tasks := &fakeSource{name: "evalTask", jobs: []queue.Job{job(t, jobs.TaskJob{TaskID: "t1"}, queue.StateActive)}}
	got := projector(tasks, items).BatchTaskStatus(context.Background(), []domain.Task{
		{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4", FinishTime: strPtr("x")},
	})
	want := map[string]domain.Status{"t1": domain.StatusEvaluating, "t2": domain.StatusEvaluating, "t3": domain.StatusQueuing, "t4": domain.StatusCompleted}
	for id, s := range want {
		if got[id] != s {
			t.Fatalf("%s = %s, want %s", id, got[id], s)
		}
	}
}
