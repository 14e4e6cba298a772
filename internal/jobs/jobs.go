// Package jobs defines the typed payloads carried by queue jobs.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"evalflow/internal/queue"
)

type Kind string

const (
	KindTask    Kind = "task"
	KindItem    Kind = "item"
	KindSummary Kind = "summary"
)

// Payload is one of TaskJob, ItemJob or SummaryJob.
type Payload interface {
	Kind() Kind
	// Name is the job name used when submitting.
	Name() string
	// DedupID collapses concurrent submissions of the same work.
	DedupID() string
}

// TaskJob decomposes a task into items.
type TaskJob struct {
	TaskID string
}

func (TaskJob) Kind() Kind        { return KindTask }
func (p TaskJob) Name() string    { return p.TaskID }
func (p TaskJob) DedupID() string { return "task:" + p.TaskID }

// ItemJob runs one item.
type ItemJob struct {
	TaskID string
	ItemID string
}

func (ItemJob) Kind() Kind        { return KindItem }
func (p ItemJob) Name() string    { return p.ItemID }
func (p ItemJob) DedupID() string { return p.ItemID }

// SummaryJob writes the narrative report of one metric.
type SummaryJob struct {
	TaskID   string
	MetricID string
	Language string
}

func (SummaryJob) Kind() Kind        { return KindSummary }
func (p SummaryJob) Name() string    { return p.TaskID + ":" + p.MetricID }
func (p SummaryJob) DedupID() string { return "summary:" + p.TaskID + ":" + p.MetricID }

// Envelope is the persisted job data.
type Envelope struct {
	Kind     Kind   `json:"kind"`
	TaskID   string `json:"taskId"`
	ItemID   string `json:"itemId,omitempty"`
	MetricID string `json:"metricId,omitempty"`
	Language string `json:"language,omitempty"`
}

func Encode(p Payload) Envelope {
	switch v := p.(type) {
	case TaskJob:
		return Envelope{Kind: KindTask, TaskID: v.TaskID}
	case ItemJob:
		return Envelope{Kind: KindItem, TaskID: v.TaskID, ItemID: v.ItemID}
	case SummaryJob:
		return Envelope{Kind: KindSummary, TaskID: v.TaskID, MetricID: v.MetricID, Language: v.Language}
	default:
		panic(fmt.Sprintf("jobs: unknown payload %T", p))
	}
}

// Decode turns job data back into its payload.
func Decode(job queue.Job) (Payload, error) {
	var env Envelope
	if err := json.Unmarshal(job.Data, &env); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	switch env.Kind {
	case KindTask:
		if env.TaskID == "" {
			return nil, fmt.Errorf("task job %s has no task id", job.ID)
		}
		return TaskJob{TaskID: env.TaskID}, nil
	case KindItem:
		if env.TaskID == "" || env.ItemID == "" {
			return nil, fmt.Errorf("item job %s is missing ids", job.ID)
		}
		return ItemJob{TaskID: env.TaskID, ItemID: env.ItemID}, nil
	case KindSummary:
		if env.TaskID == "" || env.MetricID == "" {
			return nil, fmt.Errorf("summary job %s is missing ids", job.ID)
		}
		return SummaryJob{TaskID: env.TaskID, MetricID: env.MetricID, Language: env.Language}, nil
	default:
		return nil, fmt.Errorf("job %s has unknown kind %q", job.ID, env.Kind)
	}
}

// Ref correlates a job with document store records.
type Ref struct {
	Kind     Kind
	TaskID   string
	ItemID   string
	MetricID string
}

// RefOf extracts the correlation ids from a job, reporting false for foreign data.
func RefOf(job queue.Job) (Ref, bool) {
	var env Envelope
	if err := json.Unmarshal(job.Data, &env); err != nil || env.Kind == "" {
		return Ref{}, false
	}
	return Ref{Kind: env.Kind, TaskID: env.TaskID, ItemID: env.ItemID, MetricID: env.MetricID}, true
}

// Submit enqueues p with its name and dedup id merged into opts.
func Submit(ctx context.Context, q *queue.Queue, p Payload, opts queue.Options) (queue.Job, error) {
	if opts.DedupID == "" {
		opts.DedupID = p.DedupID()
	}
	return q.Add(ctx, p.Name(), Encode(p), opts)
}

// Bulk builds a bulk submission entry for p.
func Bulk(p Payload, opts queue.Options) queue.BulkJob {
	if opts.DedupID == "" {
		opts.DedupID = p.DedupID()
	}
	return queue.BulkJob{Name: p.Name(), Data: Encode(p), Opts: opts}
}
