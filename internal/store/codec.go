package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Row is satisfied by *sql.Row, *sql.Rows, and pgx rows.
type Row interface {
	Scan(dest ...any) error
}

// Millis converts t to unix milliseconds, the storage format of every timestamp column.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis converts unix milliseconds back to UTC time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// NullMillis converts an optional time for storage.
func NullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// NullString stores "" as NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NullJSON stores empty JSON as NULL.
func NullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// BoolInt stores a bool as 0/1.
func BoolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// NullBool stores an optional bool as NULL/0/1.
func NullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return BoolInt(*b)
}

// EncodeStrings stores a string list as a JSON array (NULL when empty).
func EncodeStrings(v []string) any {
	if len(v) == 0 {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// JobColumns is the column list ScanJob expects, in order.
const JobColumns = `job_id, cluster_id, service, function, input, status, failure_reason, result, result_type, approval_requested, approved, attempt_count, attempt_token, machine_id, timeout_seconds, retry_count_on_stall, approval_mode, non_recoverable, private, run_id, invocation_id, execution_id, version, created_at, acknowledged_at, approval_requested_at, resolved_at, updated_at`

// ScanJob scans a row selected with JobColumns.
func ScanJob(row Row) (Job, error) {
	var (
		j                                                  Job
		input, failure, result, resultType, token, machine sql.NullString
		runID, invocationID, executionID                   sql.NullString
		approvalRequested, nonRecoverable, private         int64
		approved, ackAt, approvalAt, resolvedAt            sql.NullInt64
		createdAt, updatedAt                               int64
	)
	err := row.Scan(&j.ID, &j.ClusterID, &j.Service, &j.Function, &input, &j.Status, &failure, &result, &resultType,
		&approvalRequested, &approved, &j.AttemptCount, &token, &machine,
		&j.Policy.TimeoutSeconds, &j.Policy.RetryCountOnStall, &j.Policy.ApprovalMode, &nonRecoverable, &private,
		&runID, &invocationID, &executionID, &j.Version, &createdAt, &ackAt, &approvalAt, &resolvedAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Input = rawJSON(input)
	j.FailureReason = failure.String
	j.Result = rawJSON(result)
	j.ResultType = resultType.String
	j.ApprovalRequested = approvalRequested != 0
	if approved.Valid {
		v := approved.Int64 != 0
		j.Approved = &v
	}
	j.AttemptToken = token.String
	j.MachineID = machine.String
	j.Policy.NonRecoverable = nonRecoverable != 0
	j.Policy.Private = private != 0
	j.RunID = runID.String
	j.InvocationID = invocationID.String
	j.ExecutionID = executionID.String
	j.CreatedAt = FromMillis(createdAt)
	j.AcknowledgedAt = timePtr(ackAt)
	j.ApprovalRequestedAt = timePtr(approvalAt)
	j.ResolvedAt = timePtr(resolvedAt)
	j.UpdatedAt = FromMillis(updatedAt)
	return j, nil
}

// JobInsertArgs returns the insert arguments in JobColumns order.
func JobInsertArgs(j Job) []any {
	return []any{j.ID, j.ClusterID, j.Service, j.Function, NullJSON(j.Input), j.Status, NullString(j.FailureReason),
		NullJSON(j.Result), NullString(j.ResultType), BoolInt(j.ApprovalRequested), NullBool(j.Approved), j.AttemptCount,
		NullString(j.AttemptToken), NullString(j.MachineID), j.Policy.TimeoutSeconds, j.Policy.RetryCountOnStall,
		j.Policy.ApprovalMode, BoolInt(j.Policy.NonRecoverable), BoolInt(j.Policy.Private), NullString(j.RunID),
		NullString(j.InvocationID), NullString(j.ExecutionID), j.Version, Millis(j.CreatedAt), NullMillis(j.AcknowledgedAt),
		NullMillis(j.ApprovalRequestedAt), NullMillis(j.ResolvedAt), Millis(j.UpdatedAt)}
}

// JobUpdateArgs returns the mutable columns for an update, in the order used by the UPDATE
// statements of both implementations.
func JobUpdateArgs(j Job) []any {
	return []any{j.Status, NullString(j.FailureReason), NullJSON(j.Result), NullString(j.ResultType),
		BoolInt(j.ApprovalRequested), NullBool(j.Approved), j.AttemptCount, NullString(j.AttemptToken),
		NullString(j.MachineID), NullMillis(j.AcknowledgedAt), NullMillis(j.ApprovalRequestedAt),
		NullMillis(j.ResolvedAt), Millis(j.UpdatedAt)}
}

// RunColumns is the column list ScanRun expects, in order.
const RunColumns = `run_id, cluster_id, name, status, failure_reason, failure_detail, system_prompt, attached_functions, result_schema, input_schema, input, result, run_config_id, run_config_version, execution_id, feedback_score, step, schema_retries, model_failures, version, created_at, updated_at`

// ScanRun scans a row selected with RunColumns.
func ScanRun(row Row) (Run, error) {
	var (
		r                                        Run
		name, failure, detail, system, attached  sql.NullString
		resultSchema, inputSchema, input, result sql.NullString
		configID, executionID                    sql.NullString
		feedback                                 sql.NullFloat64
		createdAt, updatedAt                     int64
	)
	err := row.Scan(&r.ID, &r.ClusterID, &name, &r.Status, &failure, &detail, &system, &attached,
		&resultSchema, &inputSchema, &input, &result, &configID, &r.RunConfigVersion, &executionID, &feedback,
		&r.Step, &r.SchemaRetries, &r.ModelFailures, &r.Version, &createdAt, &updatedAt)
	if err != nil {
		return Run{}, err
	}
	r.Name = name.String
	r.FailureReason = failure.String
	r.FailureDetail = detail.String
	r.SystemPrompt = system.String
	r.AttachedFunctions = decodeStrings(attached)
	r.ResultSchema = rawJSON(resultSchema)
	r.InputSchema = rawJSON(inputSchema)
	r.Input = rawJSON(input)
	r.Result = rawJSON(result)
	r.RunConfigID = configID.String
	r.ExecutionID = executionID.String
	if feedback.Valid {
		v := feedback.Float64
		r.FeedbackScore = &v
	}
	r.CreatedAt = FromMillis(createdAt)
	r.UpdatedAt = FromMillis(updatedAt)
	return r, nil
}

// RunInsertArgs returns the insert arguments in RunColumns order.
func RunInsertArgs(r Run) []any {
	return []any{r.ID, r.ClusterID, NullString(r.Name), r.Status, NullString(r.FailureReason), NullString(r.FailureDetail),
		NullString(r.SystemPrompt), EncodeStrings(r.AttachedFunctions), NullJSON(r.ResultSchema), NullJSON(r.InputSchema),
		NullJSON(r.Input), NullJSON(r.Result), NullString(r.RunConfigID), r.RunConfigVersion, NullString(r.ExecutionID),
		nullFloat(r.FeedbackScore), r.Step, r.SchemaRetries, r.ModelFailures, r.Version, Millis(r.CreatedAt), Millis(r.UpdatedAt)}
}

// RunUpdateArgs returns the mutable run columns in UPDATE order.
func RunUpdateArgs(r Run) []any {
	return []any{r.Status, NullString(r.FailureReason), NullString(r.FailureDetail), NullJSON(r.Result),
		nullFloat(r.FeedbackScore), r.Step, r.SchemaRetries, r.ModelFailures, Millis(r.UpdatedAt)}
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// EventColumns is the column list ScanEvent expects, in order.
const EventColumns = `seq, event_id, cluster_id, type, job_id, run_id, execution_id, machine_id, service, function, meta, created_at`

// ScanEvent scans a row selected with EventColumns.
func ScanEvent(row Row) (Event, error) {
	var (
		e                                                Event
		jobID, runID, execID, machine, service, fn, meta sql.NullString
		createdAt                                        int64
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.ClusterID, &e.Type, &jobID, &runID, &execID, &machine, &service, &fn, &meta, &createdAt); err != nil {
		return Event{}, err
	}
	e.JobID, e.RunID, e.ExecutionID = jobID.String, runID.String, execID.String
	e.MachineID, e.Service, e.Function = machine.String, service.String, fn.String
	e.Meta = rawJSON(meta)
	e.CreatedAt = FromMillis(createdAt)
	return e, nil
}

// MessageColumns is the column list ScanMessage expects, in order.
const MessageColumns = `seq, message_id, cluster_id, run_id, type, invocation_id, data, created_at`

// ScanMessage scans a row selected with MessageColumns.
func ScanMessage(row Row) (Message, error) {
	var (
		m         Message
		inv       sql.NullString
		data      string
		createdAt int64
	)
	if err := row.Scan(&m.Seq, &m.ID, &m.ClusterID, &m.RunID, &m.Type, &inv, &data, &createdAt); err != nil {
		return Message{}, err
	}
	m.InvocationID = inv.String
	m.Data = json.RawMessage(data)
	m.CreatedAt = FromMillis(createdAt)
	return m, nil
}

// FunctionColumns is the column list ScanFunction expects, in order.
const FunctionColumns = `cluster_id, service, name, description, schema, config, updated_at`

// ScanFunction scans a row selected with FunctionColumns.
func ScanFunction(row Row) (FunctionDef, error) {
	var (
		f                    FunctionDef
		desc, schema, config sql.NullString
		updatedAt            int64
	)
	if err := row.Scan(&f.ClusterID, &f.Service, &f.Name, &desc, &schema, &config, &updatedAt); err != nil {
		return FunctionDef{}, err
	}
	f.Description = desc.String
	f.Schema = rawJSON(schema)
	f.Config = rawJSON(config)
	f.UpdatedAt = FromMillis(updatedAt)
	return f, nil
}

// RunConfigColumns is the column list ScanRunConfig expects, in order.
const RunConfigColumns = `config_id, cluster_id, name, system_prompt, initial_prompt, attached_functions, result_schema, input_schema, version, updated_at`

// ScanRunConfig scans a row selected with RunConfigColumns.
func ScanRunConfig(row Row) (RunConfig, error) {
	var (
		c                                                    RunConfig
		system, initial, attached, resultSchema, inputSchema sql.NullString
		updatedAt                                            int64
	)
	if err := row.Scan(&c.ID, &c.ClusterID, &c.Name, &system, &initial, &attached, &resultSchema, &inputSchema, &c.Version, &updatedAt); err != nil {
		return RunConfig{}, err
	}
	c.SystemPrompt = system.String
	c.InitialPrompt = initial.String
	c.AttachedFunctions = decodeStrings(attached)
	c.ResultSchema = rawJSON(resultSchema)
	c.InputSchema = rawJSON(inputSchema)
	c.UpdatedAt = FromMillis(updatedAt)
	return c, nil
}

// ExecutionColumns is the column list ScanExecution expects, in order.
const ExecutionColumns = `execution_id, cluster_id, workflow_name, version, job_id, input, created_at`

// ScanExecution scans a row selected with ExecutionColumns.
func ScanExecution(row Row) (WorkflowExecution, error) {
	var (
		e         WorkflowExecution
		input     sql.NullString
		createdAt int64
	)
	if err := row.Scan(&e.ID, &e.ClusterID, &e.WorkflowName, &e.Version, &e.JobID, &input, &createdAt); err != nil {
		return WorkflowExecution{}, err
	}
	e.Input = rawJSON(input)
	e.CreatedAt = FromMillis(createdAt)
	return e, nil
}

// BlobColumns is the column list ScanBlob expects, in order.
const BlobColumns = `blob_id, cluster_id, job_id, run_id, name, type, size, backend, data, created_at`

// ScanBlob scans a row selected with BlobColumns.
func ScanBlob(row Row) (Blob, error) {
	var (
		b            Blob
		jobID, runID sql.NullString
		createdAt    int64
	)
	if err := row.Scan(&b.ID, &b.ClusterID, &jobID, &runID, &b.Name, &b.Type, &b.Size, &b.Backend, &b.Data, &createdAt); err != nil {
		return Blob{}, err
	}
	b.JobID, b.RunID = jobID.String, runID.String
	b.CreatedAt = FromMillis(createdAt)
	return b, nil
}
