package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

// Timeline kinds.
const (
	KindEvent   = "event"
	KindMessage = "message"
	KindRun     = "run"
)

// RunTimeline returns the run with its message log, its jobs, and the merged event/message timeline.
func (r *Recorder) RunTimeline(ctx context.Context, clusterID, runID string) (models.Timeline, error) {
	run, err := r.store.GetRun(ctx, clusterID, runID)
	if err != nil {
		return models.Timeline{}, err
	}
	rm, msgs, err := r.runWithMessages(ctx, run)
	if err != nil {
		return models.Timeline{}, err
	}
	jobs, err := r.store.ListJobs(ctx, store.JobFilter{ClusterID: clusterID, RunID: runID})
	if err != nil {
		return models.Timeline{}, err
	}
	evs, err := r.store.ListEvents(ctx, store.EventFilter{
		ClusterID: clusterID,
		RunIDs:    []string{runID},
		JobIDs:    jobIDs(jobs),
	})
	if err != nil {
		return models.Timeline{}, err
	}
	var b builder
	b.addEvents(evs)
	b.addMessages(msgs)
	return models.Timeline{
		Run:     &rm,
		Jobs:    store.JobModels(jobs),
		Entries: b.sorted(),
	}, nil
}

// ExecutionTimeline merges a workflow execution's root job, every run it triggered, their jobs,
// messages, and events.
func (r *Recorder) ExecutionTimeline(ctx context.Context, clusterID, workflowName, executionID string) (models.Timeline, error) {
	exec, err := r.store.GetExecution(ctx, clusterID, workflowName, executionID)
	if err != nil {
		return models.Timeline{}, err
	}
	jobs, err := r.store.ListJobs(ctx, store.JobFilter{ClusterID: clusterID, ExecutionID: executionID})
	if err != nil {
		return models.Timeline{}, err
	}
	status := ""
	if !containsJob(jobs, exec.JobID) && exec.JobID != "" {
		root, err := r.store.GetJob(ctx, clusterID, exec.JobID)
		switch {
		case err == nil:
			jobs = append([]store.Job{root}, jobs...)
		case !errors.Is(err, store.ErrNotFound):
			return models.Timeline{}, err
		}
	}
	for _, j := range jobs {
		if j.ID == exec.JobID {
			status = j.Status
		}
	}
	runs, err := r.store.ListRuns(ctx, store.RunFilter{ClusterID: clusterID, ExecutionID: executionID})
	if err != nil {
		return models.Timeline{}, err
	}
	var b builder
	runIDs := make([]string, 0, len(runs))
	runModels := make([]models.Run, 0, len(runs))
	for _, run := range runs {
		runIDs = append(runIDs, run.ID)
		rm, msgs, err := r.runWithMessages(ctx, run)
		if err != nil {
			return models.Timeline{}, err
		}
		runModels = append(runModels, rm)
		summary := store.RunModel(run)
		b.add(models.TimelineEntry{Kind: KindRun, At: run.CreatedAt, Run: &summary})
		b.addMessages(msgs)
	}
	evs, err := r.store.ListEvents(ctx, store.EventFilter{
		ClusterID:   clusterID,
		ExecutionID: executionID,
		RunIDs:      runIDs,
		JobIDs:      jobIDs(jobs),
	})
	if err != nil {
		return models.Timeline{}, err
	}
	b.addEvents(evs)
	em := store.ExecutionModel(exec, status)
	return models.Timeline{
		Execution: &em,
		Jobs:      store.JobModels(jobs),
		Runs:      runModels,
		Entries:   b.sorted(),
	}, nil
}

func (r *Recorder) runWithMessages(ctx context.Context, run store.Run) (models.Run, []models.Message, error) {
	stored, err := r.store.ListMessages(ctx, run.ClusterID, run.ID)
	if err != nil {
		return models.Run{}, nil, err
	}
	msgs, err := store.MessageModels(stored)
	if err != nil {
		return models.Run{}, nil, fmt.Errorf("run %s: %w", run.ID, err)
	}
	rm := store.RunModel(run)
	rm.Messages = msgs
	return rm, msgs, nil
}

type builder struct {
	entries []models.TimelineEntry
}

func (b *builder) add(e models.TimelineEntry) { b.entries = append(b.entries, e) }

func (b *builder) addEvents(evs []store.Event) {
	for _, e := range evs {
		m := store.EventModel(e)
		b.add(models.TimelineEntry{Kind: KindEvent, At: e.CreatedAt, Event: &m})
	}
}

func (b *builder) addMessages(msgs []models.Message) {
	for i := range msgs {
		m := msgs[i]
		b.add(models.TimelineEntry{Kind: KindMessage, At: m.CreatedAt, Message: &m})
	}
}

// sorted orders entries by time; entries from the same source keep their stored order.
func (b *builder) sorted() []models.TimelineEntry {
	out := b.entries
	if out == nil {
		out = []models.TimelineEntry{}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return truncate(out[i].At).Before(truncate(out[j].At))
	})
	return out
}

// truncate matches the millisecond precision of stored timestamps.
func truncate(t time.Time) time.Time { return t.Truncate(time.Millisecond) }

func jobIDs(jobs []store.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func containsJob(jobs []store.Job, id string) bool {
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}
