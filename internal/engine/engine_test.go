package engine_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"evalflow/internal/config"
	"evalflow/internal/db"
	"evalflow/internal/domain"
	"evalflow/internal/engine"
	"evalflow/internal/errclass"
	"evalflow/internal/events"
	"evalflow/internal/jobs"
	"evalflow/internal/migrate"
	"evalflow/internal/observability"
	"evalflow/internal/queue"
	"evalflow/internal/quota"
	"evalflow/internal/repo"
	"evalflow/internal/services"
)

type fakeTarget struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTarget) Execute(_ context.Context, _ domain.Target, in services.TargetInput) (domain.TargetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.TargetOutput{}, f.err
	}
	return domain.TargetOutput{ActualOutput: "answer: " + in.UserInput, Usage: []domain.Usage{{Model: "m", InputTokens: 10, OutputTokens: 5}}}, nil
}

func (f *fakeTarget) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEvaluators struct {
	mu     sync.Mutex
	calls  int
	scores map[string]float64
	errs   map[string]error
}

func (f *fakeEvaluators) Evaluate(_ context.Context, ev domain.Evaluator, _ services.EvaluatorInput) (domain.EvaluatorOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[ev.Metric.ID]; err != nil {
		return domain.EvaluatorOutput{}, err
	}
	return domain.EvaluatorOutput{
		MetricID:   ev.Metric.ID,
		MetricName: ev.Metric.Name,
		Status:     domain.OutputSuccess,
		Data:       &domain.MetricData{Score: f.scores[ev.Metric.ID], Reason: "ok"},
	}, nil
}

func (f *fakeEvaluators) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCompletion struct{}

func (fakeCompletion) Complete(_ context.Context, req services.CompletionRequest) (services.CompletionResponse, error) {
	return services.CompletionResponse{Content: "report", Usage: domain.Usage{Model: req.Model, InputTokens: 100, OutputTokens: 20}}, nil
}

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Target *fakeTarget
	Evals  *fakeEvaluators
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Items.SubmitStagger = 0
	for name, qc := range cfg.Queues {
		qc.PollInterval = config.Duration(5 * time.Millisecond)
		qc.BackoffDelay = config.Duration(time.Millisecond)
		cfg.Queues[name] = qc
	}
	target := &fakeTarget{}
	evals := &fakeEvaluators{scores: map[string]float64{"acc": 0.8, "rel": 0.4}, errs: map[string]error{}}
	eng := engine.New(conn, cfg, engine.Deps{
		Targets:    target,
		Evaluators: evals,
		Completion: fakeCompletion{},
		Logger:     observability.Discard(),
		Metrics:    observability.NewMetrics(prometheus.NewRegistry()),
	})
	return testEnv{Engine: eng, Ctx: context.Background(), Target: target, Evals: evals}
}

func seedDataset(t *testing.T, env testEnv, inputs ...string) string {
	t.Helper()
	ts := domain.FormatTime(time.Now())
	ds := domain.Dataset{ID: "ds-1", TeamID: "team-1", Name: "questions", CreatedAt: ts}
	if err := env.Engine.Repo.InsertDataset(env.Ctx, nil, ds); err != nil {
		t.Fatalf("insert dataset: %v", err)
	}
	rows := make([]domain.DataItem, len(inputs))
	for i, in := range inputs {
		rows[i] = domain.DataItem{ID: ds.ID + "-row-" + string(rune('a'+i)), UserInput: in, ExpectedOutput: "expected " + in}
	}
	if err := env.Engine.Repo.InsertDatasetRows(env.Ctx, nil, ds.ID, ts, rows, 0); err != nil {
		t.Fatalf("insert rows: %v", err)
	}
	return ds.ID
}

func createTask(t *testing.T, env testEnv, datasetID string, metrics ...string) domain.Task {
	t.Helper()
	weights := map[string]float64{"acc": 30, "rel": 70}
	var evs []domain.Evaluator
	for _, m := range metrics {
		evs = append(evs, domain.Evaluator{
			Metric:         domain.Metric{ID: m, Name: strings.ToUpper(m), Type: "fake"},
			ThresholdValue: 0.5,
			Weight:         weights[m],
		})
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID:     "team-1",
		Name:       "eval",
		DatasetID:  datasetID,
		Target:     domain.Target{Type: "fake"},
		Evaluators: evs,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// decompose starts the task and runs its task job inline.
func decompose(t *testing.T, env testEnv, taskID string) []domain.Item {
	t.Helper()
	if _, err := env.Engine.StartTask(env.Ctx, taskID, "tester"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := env.Engine.ProcessTaskJob(env.Ctx, jobs.TaskJob{TaskID: taskID}); err != nil {
		t.Fatalf("process task job: %v", err)
	}
	items, err := env.Engine.Repo.ListItems(env.Ctx, repo.ItemFilters{TaskID: taskID})
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	return items
}

func processItem(env testEnv, it domain.Item, attemptsMade int) error {
	job := queue.Job{ID: "job-" + it.ID, Queue: config.QueueItem, AttemptsMade: attemptsMade, MaxAttempts: 3}
	return env.Engine.ProcessItemJob(env.Ctx, job, jobs.ItemJob{TaskID: it.TaskID, ItemID: it.ID})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateTaskValidates(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1")
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: "team-1", Name: "x", DatasetID: ds, Target: domain.Target{Type: "fake"}})
	if err == nil {
		t.Fatalf("expected error without evaluators")
	}
	task := createTask(t, env, ds, "acc", "rel")
	if len(task.SummaryConfigs) != 2 || task.SummaryConfigs[0].SummaryStatus != domain.SummaryPending {
		t.Fatalf("summary configs: %+v", task.SummaryConfigs)
	}
	if task.Evaluators[0].CalculateType != domain.CalculateMean {
		t.Fatalf("default calculate type: %q", task.Evaluators[0].CalculateType)
	}
	view, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil || view.Status != domain.StatusQueuing {
		t.Fatalf("new task status: %v %v", view.Status, err)
	}
}

func TestDecompositionCreatesItemPerRowAndEvaluator(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2", "q3")
	task := createTask(t, env, ds, "acc", "rel")
	items := decompose(t, env, task.ID)
	if len(items) != 6 {
		t.Fatalf("expected 6 items, got %d", len(items))
	}
	for _, it := range items {
		if len(it.Evaluators) != 1 || it.Retry != 3 || !it.Pending() {
			t.Fatalf("unexpected item %+v", it)
		}
	}
	counts, err := env.Engine.Items.GetJobCounts(env.Ctx, queue.StateWaiting, queue.StateDelayed)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queue.StateWaiting]+counts[queue.StateDelayed] != 6 {
		t.Fatalf("expected 6 item jobs, got %v", counts)
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, task.ID, events.TaskItemsSubmitted)
	if n != 1 {
		t.Fatalf("expected one submitted event, got %d", n)
	}

	// a redelivered task job resubmits the queuing items onto their live jobs
	if err := env.Engine.ProcessTaskJob(env.Ctx, jobs.TaskJob{TaskID: task.ID}); err != nil {
		t.Fatal(err)
	}
	again, _ := env.Engine.Repo.ListItems(env.Ctx, repo.ItemFilters{TaskID: task.ID})
	all, _ := env.Engine.Items.GetJobs(env.Ctx, queue.AllStates...)
	if len(again) != 6 || len(all) != 6 {
		t.Fatalf("resume duplicated work: %d items, %d jobs", len(again), len(all))
	}
}

func TestDecompositionFailsOnEmptyDataset(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env)
	task := createTask(t, env, ds, "acc")
	decompose(t, env, task.ID)
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Finished() || !strings.Contains(got.ErrorMessage, "no rows") {
		t.Fatalf("expected configuration failure, got %+v", got)
	}
	view, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if view.Status != domain.StatusError {
		t.Fatalf("status: %s", view.Status)
	}
}

func TestProcessItemResumesFromTargetCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)

	// fresh run for reference
	if err := processItem(env, items[0], 0); err != nil {
		t.Fatalf("process fresh item: %v", err)
	}
	if env.Target.Calls() != 1 {
		t.Fatalf("target calls: %d", env.Target.Calls())
	}

	checkpoint := domain.TargetOutput{ActualOutput: "answer: q2"}
	if err := env.Engine.Repo.SaveTargetOutput(env.Ctx, items[1].ID, checkpoint, domain.FormatTime(time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := processItem(env, items[1], 0); err != nil {
		t.Fatalf("process resumed item: %v", err)
	}
	if env.Target.Calls() != 1 {
		t.Fatalf("target was re-invoked: %d calls", env.Target.Calls())
	}
	fresh, _ := env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	resumed, _ := env.Engine.Repo.GetItem(env.Ctx, items[1].ID)
	fs, _ := fresh.Score()
	rs, ok := resumed.Score()
	if !ok || fs != rs || resumed.Pending() || resumed.ErrorMessage != "" {
		t.Fatalf("resumed item differs: fresh %+v resumed %+v", fresh.EvaluatorOutputs[0], resumed.EvaluatorOutputs[0])
	}

	// a finished item is never re-executed
	evalCalls := env.Evals.Calls()
	if err := processItem(env, items[1], 1); err != nil {
		t.Fatal(err)
	}
	if env.Evals.Calls() != evalCalls || env.Target.Calls() != 1 {
		t.Fatalf("finished item was re-executed")
	}
}

func TestConcurrentProcessingConverges(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := processItem(env, items[0], 0); err != nil {
				t.Errorf("process: %v", err)
			}
		}()
	}
	wg.Wait()
	got, _ := env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	if got.Pending() || got.ErrorMessage != "" || len(got.EvaluatorOutputs) != 1 {
		t.Fatalf("item did not converge: %+v", got)
	}
	if s, ok := got.Score(); !ok || s != 0.8 {
		t.Fatalf("score: %v %v", s, ok)
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, task.ID, events.TaskFinished)
	if n != 1 {
		t.Fatalf("expected one finish, got %d", n)
	}
}

func TestCompletionDetectionIsExact(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2", "q3")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)

	for i, it := range items {
		if err := processItem(env, it, 0); err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
		got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		last := i == len(items)-1
		if got.Finished() != last {
			t.Fatalf("after item %d finished=%v", i, got.Finished())
		}
	}
	// redelivery of a finished item does not finish the task twice
	if err := processItem(env, items[0], 1); err != nil {
		t.Fatal(err)
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, task.ID, events.TaskFinished)
	if n != 1 {
		t.Fatalf("expected one finish, got %d", n)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.AvgScore == nil || *got.AvgScore != 0.8 || got.ErrorMessage != "" {
		t.Fatalf("finished task: %+v", got)
	}
	summaries, _ := env.Engine.Summaries.GetJobs(env.Ctx, queue.StateWaiting)
	if len(summaries) != 1 {
		t.Fatalf("expected one summary job, got %d", len(summaries))
	}
}

func TestRetryAccounting(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)
	env.Target.err = errors.New("read tcp: ECONNRESET")

	err := processItem(env, items[0], 0)
	var retryable *queue.RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	got, _ := env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	if got.Retry != 2 || !got.Pending() || got.ErrorMessage != "[TaskExecute] read tcp: ECONNRESET" {
		t.Fatalf("after first failure: retry=%d pending=%v msg=%q", got.Retry, got.Pending(), got.ErrorMessage)
	}
	if err := processItem(env, got, 1); !errors.As(err, &retryable) {
		t.Fatalf("second attempt: %v", err)
	}
	got, _ = env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	err = processItem(env, got, 2)
	if !queue.IsUnrecoverable(err) {
		t.Fatalf("expected unrecoverable after budget, got %v", err)
	}
	got, _ = env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	if got.Pending() || got.Retry != 0 || got.ErrorMessage == "" {
		t.Fatalf("item should be finished with error: %+v", got)
	}
	finished, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if !finished.Finished() {
		t.Fatalf("task should finish once its only item errored")
	}
}

func TestTerminalErrorSkipsRetries(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1")
	task := createTask(t, env, ds, "acc", "rel")
	items := decompose(t, env, task.ID)
	env.Evals.errs["acc"] = errors.New("metric prompt is malformed")

	if err := processItem(env, items[0], 0); !queue.IsUnrecoverable(err) {
		t.Fatalf("expected unrecoverable, got %v", err)
	}
	got, _ := env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	if got.Pending() || got.Retry != 0 || !strings.HasPrefix(got.ErrorMessage, "[EvaluatorExecute]") {
		t.Fatalf("item: %+v", got)
	}
	if got.TargetOutput == nil || got.TargetOutput.ActualOutput == "" {
		t.Fatalf("target checkpoint lost")
	}
	if out := got.EvaluatorOutputs[0]; out == nil || out.Status != domain.OutputError {
		t.Fatalf("evaluator error not checkpointed: %+v", out)
	}
}

func TestMetricIDDoesNotAffectClassification(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1")
	task := createTask(t, env, ds, "m503")
	items := decompose(t, env, task.ID)
	env.Evals.errs["m503"] = errors.New("metric prompt is malformed")

	if err := processItem(env, items[0], 0); !queue.IsUnrecoverable(err) {
		t.Fatalf("expected unrecoverable, got %v", err)
	}
	got, _ := env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	if got.Pending() || got.Retry != 0 || got.ErrorMessage != "[EvaluatorExecute] metric m503: metric prompt is malformed" {
		t.Fatalf("item: pending=%v retry=%d msg=%q", got.Pending(), got.Retry, got.ErrorMessage)
	}
}

func TestQuotaPausesAndResumes(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)
	now := domain.FormatTime(time.Now())
	if err := env.Engine.Repo.SetTeamQuota(env.Ctx, "team-1", 0, true, now); err != nil {
		t.Fatal(err)
	}

	err := processItem(env, items[0], 0)
	if !queue.IsUnrecoverable(err) || !errors.Is(err, quota.ErrInsufficient) {
		t.Fatalf("expected unrecoverable quota error, got %v", err)
	}
	if env.Target.Calls() != 0 {
		t.Fatalf("target called without quota")
	}
	got, _ := env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	if !got.Pending() || got.Retry != 3 {
		t.Fatalf("item should stay pending with its budget: %+v", got)
	}
	paused, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if paused.PauseReason != domain.PauseInsufficientQuota || paused.Finished() || paused.Status != domain.StatusError {
		t.Fatalf("task not paused: %+v", paused)
	}
	// other items of the paused task fail their job without spending budget
	if err := processItem(env, items[1], 0); !queue.IsUnrecoverable(err) || !errors.Is(err, errclass.ErrResourceExhausted) {
		t.Fatalf("item of paused task: %v", err)
	}
	if other, _ := env.Engine.Repo.GetItem(env.Ctx, items[1].ID); !other.Pending() || other.Retry != 3 {
		t.Fatalf("item of paused task changed: %+v", other)
	}

	if err := env.Engine.ResumeTask(env.Ctx, task.ID, "tester"); !errors.Is(err, quota.ErrInsufficient) {
		t.Fatalf("resume without quota: %v", err)
	}
	if err := env.Engine.Repo.SetTeamQuota(env.Ctx, "team-1", 100, true, now); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ResumeTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if resumed.PauseReason != "" {
		t.Fatalf("pause not cleared")
	}
	taskJobs, _ := env.Engine.Tasks.GetJobs(env.Ctx, queue.StateWaiting)
	if len(taskJobs) != 1 {
		t.Fatalf("expected a resubmitted task job, got %d", len(taskJobs))
	}
}

func TestStopTask(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)

	n, err := env.Engine.StopTask(env.Ctx, task.ID, "tester")
	if err != nil || n != 2 {
		t.Fatalf("stop: n=%d err=%v", n, err)
	}
	counts, _ := env.Engine.Items.GetJobCounts(env.Ctx, queue.AllStates...)
	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 0 {
		t.Fatalf("item jobs left after stop: %v", counts)
	}
	view, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if view.Status != domain.StatusError || view.ErrorMessage != repo.StoppedMessage {
		t.Fatalf("stopped task: %+v", view)
	}
	// a late attempt does not resurrect the item
	if err := processItem(env, items[0], 0); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetItem(env.Ctx, items[0].ID)
	if got.ErrorMessage != repo.StoppedMessage {
		t.Fatalf("late write landed: %+v", got)
	}
	if _, err := env.Engine.StopTask(env.Ctx, task.ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("second stop: %v", err)
	}
}

func TestDeleteTaskRemovesRecordsAndJobs(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)

	if err := env.Engine.DeleteTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task still present: %v", err)
	}
	if _, err := env.Engine.Repo.GetItem(env.Ctx, items[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("items still present: %v", err)
	}
	left, _ := env.Engine.Items.GetJobs(env.Ctx, queue.AllStates...)
	if len(left) != 0 {
		t.Fatalf("item jobs left: %d", len(left))
	}
	if err := env.Engine.DeleteTask(env.Ctx, task.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestRetryItem(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)

	if err := processItem(env, items[0], 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RetryItem(env.Ctx, items[0].ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("retrying a completed item: %v", err)
	}

	env.Evals.errs["acc"] = errors.New("bad metric")
	if err := processItem(env, items[1], 0); !queue.IsUnrecoverable(err) {
		t.Fatalf("expected failure: %v", err)
	}
	finished, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if !finished.Finished() {
		t.Fatalf("task should be finished")
	}

	delete(env.Evals.errs, "acc")
	got, err := env.Engine.RetryItem(env.Ctx, items[1].ID, "tester")
	if err != nil {
		t.Fatalf("retry item: %v", err)
	}
	if !got.Pending() || got.Retry != 1 || got.ErrorMessage != "" || got.TargetOutput != nil {
		t.Fatalf("item not reset: %+v", got)
	}
	reopened, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if reopened.Finished() {
		t.Fatalf("task should be reopened")
	}
	if err := processItem(env, got, 0); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.GetTaskStats(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Completed != 2 || stats.Error != 0 || stats.AvgScore == nil || *stats.AvgScore != 0.8 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestRetryFailedItems(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2", "q3")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)
	env.Evals.errs["acc"] = errors.New("bad metric")
	for _, it := range items[:2] {
		_ = processItem(env, it, 0)
	}
	delete(env.Evals.errs, "acc")

	n, err := env.Engine.RetryFailedItems(env.Ctx, task.ID, "tester")
	if err != nil || n != 2 {
		t.Fatalf("retry failed: n=%d err=%v", n, err)
	}
	for _, it := range items[:2] {
		got, _ := env.Engine.Repo.GetItem(env.Ctx, it.ID)
		if !got.Pending() || got.Retry != 1 || got.ErrorMessage != "" {
			t.Fatalf("item not reset: %+v", got)
		}
	}
	stats, _ := env.Engine.GetTaskStats(env.Ctx, task.ID)
	if stats.Queuing != 3 || stats.Error != 0 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestExportResults(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1, with comma")
	task := createTask(t, env, ds, "acc")
	items := decompose(t, env, task.ID)
	if err := processItem(env, items[0], 0); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := env.Engine.ExportResults(env.Ctx, task.ID, "csv", &buf); err != nil {
		t.Fatalf("export csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "ItemId,UserInput,ExpectedOutput,ActualOutput,Score,Status,ErrorMessage,FinishTime" {
		t.Fatalf("header: %q", lines[0])
	}
	if len(lines) != 2 || !strings.Contains(lines[1], "0.8") || !strings.Contains(lines[1], "completed") {
		t.Fatalf("rows: %q", lines)
	}

	buf.Reset()
	if err := env.Engine.ExportResults(env.Ctx, task.ID, "json", &buf); err != nil {
		t.Fatalf("export json: %v", err)
	}
	if !strings.Contains(buf.String(), `"itemId": "`+items[0].ID+`"`) {
		t.Fatalf("json: %s", buf.String())
	}
	if err := env.Engine.ExportResults(env.Ctx, task.ID, "xml", &buf); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestHandleRejectsUnknownPayload(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Handle(env.Ctx, queue.Job{ID: "j1", Data: []byte(`{"kind":"other"}`)})
	if !queue.IsUnrecoverable(err) {
		t.Fatalf("expected unrecoverable, got %v", err)
	}
}

func TestWorkersRunTaskToSummary(t *testing.T) {
	env := newTestEnv(t)
	ds := seedDataset(t, env, "q1", "q2")
	task := createTask(t, env, ds, "acc", "rel")
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Engine.RunWorkers(ctx, "test-worker") }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "summaries", func() bool {
		got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil || !got.Finished() {
			return false
		}
		for _, sc := range got.SummaryConfigs {
			if sc.SummaryStatus != domain.SummaryCompleted {
				return false
			}
		}
		return true
	})

	sum, err := env.Engine.GetTaskSummary(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.AggregateScore != 0.52 || sum.CompletedItems != 4 {
		t.Fatalf("summary: %+v", sum)
	}
	if sum.Metrics[0].Summary != "report" {
		t.Fatalf("metric summary: %+v", sum.Metrics[0])
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, task.ID, events.TaskFinished)
	if n != 1 {
		t.Fatalf("expected one finish, got %d", n)
	}
	view, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if view.Status != domain.StatusCompleted {
		t.Fatalf("status: %s", view.Status)
	}
}
