package store

import (
	"github.com/ankittk/jobplane/pkg/models"
)

// JobModel converts a stored job to its API form.
func JobModel(j Job) models.Job {
	return models.Job{
		ID:                  j.ID,
		ClusterID:           j.ClusterID,
		Service:             j.Service,
		Function:            j.Function,
		Input:               j.Input,
		Status:              j.Status,
		FailureReason:       j.FailureReason,
		Result:              j.Result,
		ResultType:          j.ResultType,
		ApprovalRequested:   j.ApprovalRequested,
		Approved:            j.Approved,
		ApprovalState:       j.ApprovalState(),
		AttemptCount:        j.AttemptCount,
		AttemptToken:        j.AttemptToken,
		MachineID:           j.MachineID,
		Policy:              PolicyModel(j.Policy),
		RunID:               j.RunID,
		InvocationID:        j.InvocationID,
		ExecutionID:         j.ExecutionID,
		CreatedAt:           j.CreatedAt,
		AcknowledgedAt:      j.AcknowledgedAt,
		ApprovalRequestedAt: j.ApprovalRequestedAt,
		ResolvedAt:          j.ResolvedAt,
	}
}

// JobModels converts a slice of jobs.
func JobModels(jobs []Job) []models.Job {
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobModel(j))
	}
	return out
}

// PolicyModel converts a stored policy.
func PolicyModel(p Policy) models.Policy {
	return models.Policy{
		TimeoutSeconds:    p.TimeoutSeconds,
		RetryCountOnStall: p.RetryCountOnStall,
		ApprovalMode:      p.ApprovalMode,
		NonRecoverable:    p.NonRecoverable,
		Private:           p.Private,
	}
}

// RunModel converts a stored run to its API form, without messages.
func RunModel(r Run) models.Run {
	return models.Run{
		ID:                  r.ID,
		ClusterID:           r.ClusterID,
		Name:                r.Name,
		Status:              r.Status,
		FailureReason:       r.FailureReason,
		FailureDetail:       r.FailureDetail,
		SystemPrompt:        r.SystemPrompt,
		AttachedFunctions:   r.AttachedFunctions,
		ResultSchema:        r.ResultSchema,
		InputSchema:         r.InputSchema,
		Input:               r.Input,
		Result:              r.Result,
		RunConfigID:         r.RunConfigID,
		RunConfigVersion:    r.RunConfigVersion,
		WorkflowExecutionID: r.ExecutionID,
		FeedbackScore:       r.FeedbackScore,
		Step:                r.Step,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// MessageModel decodes a stored message into the typed union.
func MessageModel(m Message) (models.Message, error) {
	out, err := models.DecodeMessageData(m.Type, m.Data)
	if err != nil {
		return models.Message{}, err
	}
	out.ID, out.RunID, out.Seq, out.CreatedAt = m.ID, m.RunID, m.Seq, m.CreatedAt
	return out, nil
}

// MessageModels decodes a run's message log.
func MessageModels(msgs []Message) ([]models.Message, error) {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		mm, err := MessageModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, mm)
	}
	return out, nil
}

// EventModel converts a stored event.
func EventModel(e Event) models.Event {
	return models.Event{
		ID:          e.ID,
		Seq:         e.Seq,
		ClusterID:   e.ClusterID,
		Type:        e.Type,
		JobID:       e.JobID,
		RunID:       e.RunID,
		ExecutionID: e.ExecutionID,
		MachineID:   e.MachineID,
		Service:     e.Service,
		Function:    e.Function,
		Meta:        e.Meta,
		CreatedAt:   e.CreatedAt,
	}
}

// ExecutionModel converts a stored execution; status is the root job's status when known.
func ExecutionModel(e WorkflowExecution, status string) models.WorkflowExecution {
	return models.WorkflowExecution{
		ID:           e.ID,
		ClusterID:    e.ClusterID,
		WorkflowName: e.WorkflowName,
		Version:      e.Version,
		JobID:        e.JobID,
		Input:        e.Input,
		Status:       status,
		CreatedAt:    e.CreatedAt,
	}
}

// RunConfigModel converts a stored run config.
func RunConfigModel(c RunConfig) models.RunConfig {
	return models.RunConfig{
		ID:                c.ID,
		Name:              c.Name,
		SystemPrompt:      c.SystemPrompt,
		InitialPrompt:     c.InitialPrompt,
		AttachedFunctions: c.AttachedFunctions,
		ResultSchema:      c.ResultSchema,
		InputSchema:       c.InputSchema,
		Version:           c.Version,
		UpdatedAt:         c.UpdatedAt,
	}
}

// BlobModel converts blob metadata.
func BlobModel(b Blob) models.Blob {
	return models.Blob{
		ID:        b.ID,
		JobID:     b.JobID,
		RunID:     b.RunID,
		Name:      b.Name,
		Type:      b.Type,
		Size:      b.Size,
		CreatedAt: b.CreatedAt,
	}
}
