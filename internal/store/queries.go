package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SplitTargets separates qualified "service.function" targets from bare service names.
func SplitTargets(targets []string) (qualified, services []string) {
	for _, t := range targets {
		if t == "" {
			continue
		}
		if strings.Contains(t, ".") {
			qualified = append(qualified, t)
		} else {
			services = append(services, t)
		}
	}
	return qualified, services
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *sqliteStore) CreateJob(ctx context.Context, j Job) (Job, bool, error) {
	if j.ID == "" || j.ClusterID == "" || j.Service == "" || j.Function == "" {
		return Job{}, false, errors.New("job id, cluster, service and function required")
	}
	if j.Version == 0 {
		j.Version = 1
	}
	args := append(JobInsertArgs(j), j.Target())
	_, err := s.DB.ExecContext(ctx, `INSERT INTO jobs(`+JobColumns+`, target) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueViolation(err) && j.RunID != "" && j.InvocationID != "" {
			row := s.DB.QueryRowContext(ctx, `SELECT `+JobColumns+` FROM jobs WHERE cluster_id = ? AND run_id = ? AND invocation_id = ?`, j.ClusterID, j.RunID, j.InvocationID)
			existing, serr := ScanJob(row)
			if serr != nil {
				return Job{}, false, serr
			}
			return existing, false, nil
		}
		if isUniqueViolation(err) {
			if existing, gerr := s.GetJob(ctx, j.ClusterID, j.ID); gerr == nil {
				return existing, false, nil
			}
			return Job{}, false, fmt.Errorf("job %s: %w", j.ID, ErrDuplicate)
		}
		return Job{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, clusterID, jobID string) (Job, error) {
	j, err := ScanJob(s.stmtGetJob.QueryRowContext(ctx, clusterID, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return Job{}, err
	}
	return j, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := `SELECT ` + JobColumns + ` FROM jobs WHERE cluster_id = ?`
	args := []any{f.ClusterID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.RunID != "" {
		q += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.ExecutionID != "" {
		q += ` AND execution_id = ?`
		args = append(args, f.ExecutionID)
	}
	if f.Service != "" {
		q += ` AND service = ?`
		args = append(args, f.Service)
	}
	if f.AwaitingApproval {
		q += ` AND ` + AwaitingApprovalCond
	}
	q += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Job
	for rows.Next() {
		j, err := ScanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimJob selects the oldest candidate and claims it with a conditional update. A lost race
// (another poller claimed the candidate first) moves on to the next candidate.
func (s *sqliteStore) ClaimJob(ctx context.Context, clusterID, machineID string, targets []string, token string, now time.Time) (*Job, error) {
	qualified, services := SplitTargets(targets)
	if len(qualified) == 0 && len(services) == 0 {
		return nil, nil
	}
	for attempt := 0; attempt < 5; attempt++ {
		var id string
		err := s.stmtClaimCandidate.QueryRowContext(ctx, clusterID, jsonList(qualified), jsonList(services)).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		ms := Millis(now)
		res, err := s.stmtClaimJob.ExecContext(ctx, token, machineID, ms, ms, clusterID, id)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		j, err := s.GetJob(ctx, clusterID, id)
		if err != nil {
			return nil, err
		}
		return &j, nil
	}
	return nil, nil
}

func (s *sqliteStore) UpdateJob(ctx context.Context, j Job) (Job, error) {
	args := append(JobUpdateArgs(j), j.ClusterID, j.ID, j.Version)
	res, err := s.stmtUpdateJob.ExecContext(ctx, args...)
	if err != nil {
		return Job{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, err
	}
	if n == 0 {
		if _, gerr := s.GetJob(ctx, j.ClusterID, j.ID); gerr != nil {
			return Job{}, gerr
		}
		return Job{}, fmt.Errorf("job %s: %w", j.ID, ErrConflict)
	}
	j.Version++
	return j, nil
}

func (s *sqliteStore) ListOverdueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+JobColumns+` FROM jobs
WHERE status = 'running'
  AND acknowledged_at IS NOT NULL
  AND acknowledged_at + timeout_seconds * 1000 < ?
  AND NOT (approval_requested = 1 AND approved IS NULL)
ORDER BY acknowledged_at ASC LIMIT ?`, Millis(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Job
	for rows.Next() {
		j, err := ScanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertFunction(ctx context.Context, f FunctionDef) error {
	if f.ClusterID == "" || f.Service == "" || f.Name == "" {
		return errors.New("function cluster, service and name required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO functions(`+FunctionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(cluster_id, service, name) DO UPDATE SET description = excluded.description, schema = excluded.schema, config = excluded.config, updated_at = excluded.updated_at`,
		f.ClusterID, f.Service, f.Name, NullString(f.Description), NullJSON(f.Schema), NullJSON(f.Config), Millis(f.UpdatedAt))
	return err
}

func (s *sqliteStore) GetFunction(ctx context.Context, clusterID, service, name string) (FunctionDef, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+FunctionColumns+` FROM functions WHERE cluster_id = ? AND service = ? AND name = ?`, clusterID, service, name)
	f, err := ScanFunction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FunctionDef{}, fmt.Errorf("function %s.%s: %w", service, name, ErrNotFound)
		}
		return FunctionDef{}, err
	}
	return f, nil
}

func (s *sqliteStore) ListFunctions(ctx context.Context, clusterID string) ([]FunctionDef, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+FunctionColumns+` FROM functions WHERE cluster_id = ? ORDER BY service, name`, clusterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []FunctionDef
	for rows.Next() {
		f, err := ScanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TouchMachine(ctx context.Context, clusterID, machineID string, services []string, now time.Time) error {
	for _, svc := range services {
		if _, err := s.stmtTouchMachine.ExecContext(ctx, clusterID, machineID, svc, Millis(now)); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) ListMachineServices(ctx context.Context, clusterID string, since time.Time) ([]MachineService, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT cluster_id, machine_id, service, last_seen_at FROM machine_services WHERE cluster_id = ? AND last_seen_at >= ? ORDER BY machine_id, service`, clusterID, Millis(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []MachineService
	for rows.Next() {
		var m MachineService
		var seen int64
		if err := rows.Scan(&m.ClusterID, &m.MachineID, &m.Service, &seen); err != nil {
			return nil, err
		}
		m.LastSeenAt = FromMillis(seen)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" || r.ClusterID == "" {
		return Run{}, errors.New("run id and cluster required")
	}
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO runs(`+RunColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, RunInsertArgs(r)...)
	if err != nil {
		if isUniqueViolation(err) {
			return Run{}, fmt.Errorf("run %s: %w", r.ID, ErrDuplicate)
		}
		return Run{}, err
	}
	return r, nil
}

func (s *sqliteStore) GetRun(ctx context.Context, clusterID, runID string) (Run, error) {
	r, err := ScanRun(s.DB.QueryRowContext(ctx, `SELECT `+RunColumns+` FROM runs WHERE cluster_id = ? AND run_id = ?`, clusterID, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return Run{}, err
	}
	return r, nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	q := `SELECT ` + RunColumns + ` FROM runs WHERE 1 = 1`
	var args []any
	if f.ClusterID != "" {
		q += ` AND cluster_id = ?`
		args = append(args, f.ClusterID)
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (SELECT value FROM json_each(?))`
		args = append(args, jsonList(f.Statuses))
	}
	if f.ExecutionID != "" {
		q += ` AND execution_id = ?`
		args = append(args, f.ExecutionID)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Run
	for rows.Next() {
		r, err := ScanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r Run) (Run, error) {
	args := append(RunUpdateArgs(r), r.ClusterID, r.ID, r.Version)
	res, err := s.DB.ExecContext(ctx, `UPDATE runs SET status = ?, failure_reason = ?, failure_detail = ?, result = ?, feedback_score = ?, step = ?, schema_retries = ?, model_failures = ?, updated_at = ?, version = version + 1 WHERE cluster_id = ? AND run_id = ? AND version = ?`, args...)
	if err != nil {
		return Run{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Run{}, err
	}
	if n == 0 {
		if _, gerr := s.GetRun(ctx, r.ClusterID, r.ID); gerr != nil {
			return Run{}, gerr
		}
		return Run{}, fmt.Errorf("run %s: %w", r.ID, ErrConflict)
	}
	r.Version++
	return r, nil
}

func (s *sqliteStore) DeleteRun(ctx context.Context, clusterID, runID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE cluster_id = ? AND run_id = ?`, clusterID, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE cluster_id = ? AND run_id = ?`, clusterID, runID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" || m.RunID == "" || m.Type == "" {
		return Message{}, errors.New("message id, run and type required")
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO messages(message_id, cluster_id, run_id, type, invocation_id, data, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ClusterID, m.RunID, m.Type, NullString(m.InvocationID), string(m.Data), Millis(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return Message{}, fmt.Errorf("message for invocation %s: %w", m.InvocationID, ErrDuplicate)
		}
		return Message{}, err
	}
	if seq, err := res.LastInsertId(); err == nil {
		m.Seq = seq
	}
	return m, nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, clusterID, runID string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+MessageColumns+` FROM messages WHERE cluster_id = ? AND run_id = ? ORDER BY seq ASC`, clusterID, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Message
	for rows.Next() {
		m, err := ScanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e Event) (Event, error) {
	res, err := s.stmtAppendEvent.ExecContext(ctx, e.ID, e.ClusterID, e.Type, NullString(e.JobID), NullString(e.RunID),
		NullString(e.ExecutionID), NullString(e.MachineID), NullString(e.Service), NullString(e.Function), NullJSON(e.Meta), Millis(e.CreatedAt))
	if err != nil {
		return Event{}, err
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return e, nil
}

func (s *sqliteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	q := `SELECT ` + EventColumns + ` FROM events WHERE cluster_id = ? AND seq > ?`
	args := []any{f.ClusterID, f.AfterSeq}
	var ors []string
	if len(f.JobIDs) > 0 {
		ors = append(ors, `job_id IN (SELECT value FROM json_each(?))`)
		args = append(args, jsonList(f.JobIDs))
	}
	if len(f.RunIDs) > 0 {
		ors = append(ors, `run_id IN (SELECT value FROM json_each(?))`)
		args = append(args, jsonList(f.RunIDs))
	}
	if f.ExecutionID != "" {
		ors = append(ors, `execution_id = ?`)
		args = append(args, f.ExecutionID)
	}
	if len(ors) > 0 {
		q += ` AND (` + strings.Join(ors, ` OR `) + `)`
	}
	q += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		e, err := ScanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertWorkflow(ctx context.Context, w Workflow) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO workflows(cluster_id, name, version, created_at) VALUES(?, ?, ?, ?) ON CONFLICT(cluster_id, name, version) DO NOTHING`,
		w.ClusterID, w.Name, w.Version, Millis(w.CreatedAt))
	return err
}

func (s *sqliteStore) LatestWorkflow(ctx context.Context, clusterID, name string) (Workflow, error) {
	var w Workflow
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `SELECT cluster_id, name, version, created_at FROM workflows WHERE cluster_id = ? AND name = ? ORDER BY version DESC LIMIT 1`, clusterID, name).
		Scan(&w.ClusterID, &w.Name, &w.Version, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, fmt.Errorf("workflow %s: %w", name, ErrNotFound)
		}
		return Workflow{}, err
	}
	w.CreatedAt = FromMillis(createdAt)
	return w, nil
}

func (s *sqliteStore) CreateExecution(ctx context.Context, e WorkflowExecution) (WorkflowExecution, bool, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO workflow_executions(`+ExecutionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?) ON CONFLICT(cluster_id, workflow_name, execution_id) DO NOTHING`,
		e.ID, e.ClusterID, e.WorkflowName, e.Version, e.JobID, NullJSON(e.Input), Millis(e.CreatedAt))
	if err != nil {
		return WorkflowExecution{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return WorkflowExecution{}, false, err
	}
	if n == 1 {
		return e, true, nil
	}
	existing, err := s.GetExecution(ctx, e.ClusterID, e.WorkflowName, e.ID)
	return existing, false, err
}

func (s *sqliteStore) GetExecution(ctx context.Context, clusterID, workflowName, executionID string) (WorkflowExecution, error) {
	e, err := ScanExecution(s.DB.QueryRowContext(ctx, `SELECT `+ExecutionColumns+` FROM workflow_executions WHERE cluster_id = ? AND workflow_name = ? AND execution_id = ?`, clusterID, workflowName, executionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkflowExecution{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return WorkflowExecution{}, err
	}
	return e, nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, clusterID, workflowName string, limit int) ([]WorkflowExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+ExecutionColumns+` FROM workflow_executions WHERE cluster_id = ? AND workflow_name = ? ORDER BY created_at DESC LIMIT ?`, clusterID, workflowName, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []WorkflowExecution
	for rows.Next() {
		e, err := ScanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteExecution(ctx context.Context, clusterID, workflowName, executionID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM workflow_executions WHERE cluster_id = ? AND workflow_name = ? AND execution_id = ?`, clusterID, workflowName, executionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) UpsertRunConfig(ctx context.Context, c RunConfig) (RunConfig, error) {
	if c.ID == "" || c.ClusterID == "" || c.Name == "" {
		return RunConfig{}, errors.New("run config id, cluster and name required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO run_configs(`+RunConfigColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(cluster_id, config_id) DO UPDATE SET name = excluded.name, system_prompt = excluded.system_prompt, initial_prompt = excluded.initial_prompt,
  attached_functions = excluded.attached_functions, result_schema = excluded.result_schema, input_schema = excluded.input_schema,
  version = run_configs.version + 1, updated_at = excluded.updated_at`,
		c.ID, c.ClusterID, c.Name, NullString(c.SystemPrompt), NullString(c.InitialPrompt), EncodeStrings(c.AttachedFunctions),
		NullJSON(c.ResultSchema), NullJSON(c.InputSchema), Millis(c.UpdatedAt))
	if err != nil {
		return RunConfig{}, err
	}
	return s.GetRunConfig(ctx, c.ClusterID, c.ID)
}

func (s *sqliteStore) GetRunConfig(ctx context.Context, clusterID, id string) (RunConfig, error) {
	c, err := ScanRunConfig(s.DB.QueryRowContext(ctx, `SELECT `+RunConfigColumns+` FROM run_configs WHERE cluster_id = ? AND config_id = ?`, clusterID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunConfig{}, fmt.Errorf("run config %s: %w", id, ErrNotFound)
		}
		return RunConfig{}, err
	}
	return c, nil
}

func (s *sqliteStore) ListRunConfigs(ctx context.Context, clusterID string) ([]RunConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+RunConfigColumns+` FROM run_configs WHERE cluster_id = ? ORDER BY name`, clusterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []RunConfig
	for rows.Next() {
		c, err := ScanRunConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteRunConfig(ctx context.Context, clusterID, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM run_configs WHERE cluster_id = ? AND config_id = ?`, clusterID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run config %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CreateBlob(ctx context.Context, b Blob) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO blobs(`+BlobColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ClusterID, NullString(b.JobID), NullString(b.RunID), b.Name, b.Type, b.Size, b.Backend, b.Data, Millis(b.CreatedAt))
	return err
}

func (s *sqliteStore) GetBlob(ctx context.Context, clusterID, id string) (Blob, error) {
	b, err := ScanBlob(s.DB.QueryRowContext(ctx, `SELECT `+BlobColumns+` FROM blobs WHERE cluster_id = ? AND blob_id = ?`, clusterID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Blob{}, fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
		return Blob{}, err
	}
	return b, nil
}

func (s *sqliteStore) ListBlobs(ctx context.Context, clusterID, jobID string) ([]Blob, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT blob_id, cluster_id, job_id, run_id, name, type, size, backend, NULL, created_at FROM blobs WHERE cluster_id = ? AND job_id = ? ORDER BY created_at`, clusterID, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Blob
	for rows.Next() {
		b, err := ScanBlob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
