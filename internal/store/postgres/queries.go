package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ankittk/jobplane/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// placeholders returns "$from, $from+1, ... $from+n-1".
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Store) CreateJob(ctx context.Context, j store.Job) (store.Job, bool, error) {
	if j.ID == "" || j.ClusterID == "" || j.Service == "" || j.Function == "" {
		return store.Job{}, false, errors.New("job id, cluster, service and function required")
	}
	if j.Version == 0 {
		j.Version = 1
	}
	args := append(store.JobInsertArgs(j), j.Target())
	_, err := s.Pool.Exec(ctx, `INSERT INTO jobs(`+store.JobColumns+`, target) VALUES(`+placeholders(1, len(args))+`)`, args...)
	if err != nil {
		if isUniqueViolation(err) && j.RunID != "" && j.InvocationID != "" {
			row := s.Pool.QueryRow(ctx, `SELECT `+store.JobColumns+` FROM jobs WHERE cluster_id = $1 AND run_id = $2 AND invocation_id = $3`, j.ClusterID, j.RunID, j.InvocationID)
			existing, serr := store.ScanJob(row)
			if serr != nil {
				return store.Job{}, false, serr
			}
			return existing, false, nil
		}
		if isUniqueViolation(err) {
			if existing, gerr := s.GetJob(ctx, j.ClusterID, j.ID); gerr == nil {
				return existing, false, nil
			}
			return store.Job{}, false, fmt.Errorf("job %s: %w", j.ID, store.ErrDuplicate)
		}
		return store.Job{}, false, err
	}
	return j, true, nil
}

func (s *Store) GetJob(ctx context.Context, clusterID, jobID string) (store.Job, error) {
	j, err := store.ScanJob(s.Pool.QueryRow(ctx, `SELECT `+store.JobColumns+` FROM jobs WHERE cluster_id = $1 AND job_id = $2`, clusterID, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Job{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
		}
		return store.Job{}, err
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]store.Job, error) {
	q := `SELECT ` + store.JobColumns + ` FROM jobs WHERE cluster_id = $1`
	args := []any{f.ClusterID}
	add := func(cond string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.ExecutionID != "" {
		add("execution_id = $%d", f.ExecutionID)
	}
	if f.Service != "" {
		add("service = $%d", f.Service)
	}
	if f.AwaitingApproval {
		q += ` AND ` + store.AwaitingApprovalCond
	}
	q += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]store.Job, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Job
	for rows.Next() {
		j, err := store.ScanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimJob claims in a single statement; SKIP LOCKED lets concurrent pollers pass over a row
// another transaction is claiming instead of waiting on it.
func (s *Store) ClaimJob(ctx context.Context, clusterID, machineID string, targets []string, token string, now time.Time) (*store.Job, error) {
	qualified, services := store.SplitTargets(targets)
	if len(qualified) == 0 && len(services) == 0 {
		return nil, nil
	}
	ms := store.Millis(now)
	row := s.Pool.QueryRow(ctx, `
UPDATE jobs SET status = 'running', attempt_token = $1, machine_id = $2, attempt_count = attempt_count + 1,
  acknowledged_at = $3, updated_at = $3, version = version + 1
WHERE seq = (
  SELECT seq FROM jobs
  WHERE cluster_id = $4 AND status = 'pending' AND (approval_requested = 0 OR approved = 1)
    AND (target = ANY($5) OR service = ANY($6))
  ORDER BY seq ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING `+store.JobColumns, token, machineID, ms, clusterID, nonNil(qualified), nonNil(services))
	j, err := store.ScanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j store.Job) (store.Job, error) {
	args := append(store.JobUpdateArgs(j), j.ClusterID, j.ID, j.Version)
	tag, err := s.Pool.Exec(ctx, `UPDATE jobs SET status = $1, failure_reason = $2, result = $3, result_type = $4, approval_requested = $5,
  approved = $6, attempt_count = $7, attempt_token = $8, machine_id = $9, acknowledged_at = $10, approval_requested_at = $11,
  resolved_at = $12, updated_at = $13, version = version + 1
WHERE cluster_id = $14 AND job_id = $15 AND version = $16`, args...)
	if err != nil {
		return store.Job{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetJob(ctx, j.ClusterID, j.ID); gerr != nil {
			return store.Job{}, gerr
		}
		return store.Job{}, fmt.Errorf("job %s: %w", j.ID, store.ErrConflict)
	}
	j.Version++
	return j, nil
}

func (s *Store) ListOverdueJobs(ctx context.Context, now time.Time, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, `SELECT `+store.JobColumns+` FROM jobs
WHERE status = 'running'
  AND acknowledged_at IS NOT NULL
  AND acknowledged_at + timeout_seconds * 1000 < $1
  AND NOT (approval_requested = 1 AND approved IS NULL)
ORDER BY acknowledged_at ASC LIMIT $2`, store.Millis(now), limit)
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) UpsertFunction(ctx context.Context, f store.FunctionDef) error {
	if f.ClusterID == "" || f.Service == "" || f.Name == "" {
		return errors.New("function cluster, service and name required")
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO functions(`+store.FunctionColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (cluster_id, service, name) DO UPDATE SET description = EXCLUDED.description, schema = EXCLUDED.schema, config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		f.ClusterID, f.Service, f.Name, store.NullString(f.Description), store.NullJSON(f.Schema), store.NullJSON(f.Config), store.Millis(f.UpdatedAt))
	return err
}

func (s *Store) GetFunction(ctx context.Context, clusterID, service, name string) (store.FunctionDef, error) {
	f, err := store.ScanFunction(s.Pool.QueryRow(ctx, `SELECT `+store.FunctionColumns+` FROM functions WHERE cluster_id = $1 AND service = $2 AND name = $3`, clusterID, service, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.FunctionDef{}, fmt.Errorf("function %s.%s: %w", service, name, store.ErrNotFound)
		}
		return store.FunctionDef{}, err
	}
	return f, nil
}

func (s *Store) ListFunctions(ctx context.Context, clusterID string) ([]store.FunctionDef, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+store.FunctionColumns+` FROM functions WHERE cluster_id = $1 ORDER BY service, name`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.FunctionDef
	for rows.Next() {
		f, err := store.ScanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) TouchMachine(ctx context.Context, clusterID, machineID string, services []string, now time.Time) error {
	for _, svc := range services {
		_, err := s.Pool.Exec(ctx, `INSERT INTO machine_services(cluster_id, machine_id, service, last_seen_at) VALUES($1, $2, $3, $4)
ON CONFLICT (cluster_id, machine_id, service) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`, clusterID, machineID, svc, store.Millis(now))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListMachineServices(ctx context.Context, clusterID string, since time.Time) ([]store.MachineService, error) {
	rows, err := s.Pool.Query(ctx, `SELECT cluster_id, machine_id, service, last_seen_at FROM machine_services WHERE cluster_id = $1 AND last_seen_at >= $2 ORDER BY machine_id, service`, clusterID, store.Millis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.MachineService
	for rows.Next() {
		var m store.MachineService
		var seen int64
		if err := rows.Scan(&m.ClusterID, &m.MachineID, &m.Service, &seen); err != nil {
			return nil, err
		}
		m.LastSeenAt = store.FromMillis(seen)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateRun(ctx context.Context, r store.Run) (store.Run, error) {
	if r.ID == "" || r.ClusterID == "" {
		return store.Run{}, errors.New("run id and cluster required")
	}
	if r.Version == 0 {
		r.Version = 1
	}
	args := store.RunInsertArgs(r)
	_, err := s.Pool.Exec(ctx, `INSERT INTO runs(`+store.RunColumns+`) VALUES(`+placeholders(1, len(args))+`)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Run{}, fmt.Errorf("run %s: %w", r.ID, store.ErrDuplicate)
		}
		return store.Run{}, err
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, clusterID, runID string) (store.Run, error) {
	r, err := store.ScanRun(s.Pool.QueryRow(ctx, `SELECT `+store.RunColumns+` FROM runs WHERE cluster_id = $1 AND run_id = $2`, clusterID, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
		}
		return store.Run{}, err
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]store.Run, error) {
	q := `SELECT ` + store.RunColumns + ` FROM runs WHERE TRUE`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.ClusterID != "" {
		add("cluster_id = $%d", f.ClusterID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", f.Statuses)
	}
	if f.ExecutionID != "" {
		add("execution_id = $%d", f.ExecutionID)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Run
	for rows.Next() {
		r, err := store.ScanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, r store.Run) (store.Run, error) {
	args := append(store.RunUpdateArgs(r), r.ClusterID, r.ID, r.Version)
	tag, err := s.Pool.Exec(ctx, `UPDATE runs SET status = $1, failure_reason = $2, failure_detail = $3, result = $4, feedback_score = $5,
  step = $6, schema_retries = $7, model_failures = $8, updated_at = $9, version = version + 1
WHERE cluster_id = $10 AND run_id = $11 AND version = $12`, args...)
	if err != nil {
		return store.Run{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetRun(ctx, r.ClusterID, r.ID); gerr != nil {
			return store.Run{}, gerr
		}
		return store.Run{}, fmt.Errorf("run %s: %w", r.ID, store.ErrConflict)
	}
	r.Version++
	return r, nil
}

func (s *Store) DeleteRun(ctx context.Context, clusterID, runID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, `DELETE FROM runs WHERE cluster_id = $1 AND run_id = $2`, clusterID, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE cluster_id = $1 AND run_id = $2`, clusterID, runID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) AppendMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if m.ID == "" || m.RunID == "" || m.Type == "" {
		return store.Message{}, errors.New("message id, run and type required")
	}
	err := s.Pool.QueryRow(ctx, `INSERT INTO messages(message_id, cluster_id, run_id, type, invocation_id, data, created_at) VALUES($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		m.ID, m.ClusterID, m.RunID, m.Type, store.NullString(m.InvocationID), string(m.Data), store.Millis(m.CreatedAt)).Scan(&m.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Message{}, fmt.Errorf("message for invocation %s: %w", m.InvocationID, store.ErrDuplicate)
		}
		return store.Message{}, err
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, clusterID, runID string) ([]store.Message, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+store.MessageColumns+` FROM messages WHERE cluster_id = $1 AND run_id = $2 ORDER BY seq ASC`, clusterID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		m, err := store.ScanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, e store.Event) (store.Event, error) {
	err := s.Pool.QueryRow(ctx, `INSERT INTO events(event_id, cluster_id, type, job_id, run_id, execution_id, machine_id, service, function, meta, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING seq`,
		e.ID, e.ClusterID, e.Type, store.NullString(e.JobID), store.NullString(e.RunID), store.NullString(e.ExecutionID),
		store.NullString(e.MachineID), store.NullString(e.Service), store.NullString(e.Function), store.NullJSON(e.Meta), store.Millis(e.CreatedAt)).Scan(&e.Seq)
	if err != nil {
		return store.Event{}, err
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]store.Event, error) {
	q := `SELECT ` + store.EventColumns + ` FROM events WHERE cluster_id = $1 AND seq > $2`
	args := []any{f.ClusterID, f.AfterSeq}
	var ors []string
	if len(f.JobIDs) > 0 {
		args = append(args, f.JobIDs)
		ors = append(ors, fmt.Sprintf("job_id = ANY($%d)", len(args)))
	}
	if len(f.RunIDs) > 0 {
		args = append(args, f.RunIDs)
		ors = append(ors, fmt.Sprintf("run_id = ANY($%d)", len(args)))
	}
	if f.ExecutionID != "" {
		args = append(args, f.ExecutionID)
		ors = append(ors, fmt.Sprintf("execution_id = $%d", len(args)))
	}
	if len(ors) > 0 {
		q += ` AND (` + strings.Join(ors, ` OR `) + `)`
	}
	q += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Event
	for rows.Next() {
		e, err := store.ScanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertWorkflow(ctx context.Context, w store.Workflow) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO workflows(cluster_id, name, version, created_at) VALUES($1, $2, $3, $4) ON CONFLICT (cluster_id, name, version) DO NOTHING`,
		w.ClusterID, w.Name, w.Version, store.Millis(w.CreatedAt))
	return err
}

func (s *Store) LatestWorkflow(ctx context.Context, clusterID, name string) (store.Workflow, error) {
	var w store.Workflow
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `SELECT cluster_id, name, version, created_at FROM workflows WHERE cluster_id = $1 AND name = $2 ORDER BY version DESC LIMIT 1`, clusterID, name).
		Scan(&w.ClusterID, &w.Name, &w.Version, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Workflow{}, fmt.Errorf("workflow %s: %w", name, store.ErrNotFound)
		}
		return store.Workflow{}, err
	}
	w.CreatedAt = store.FromMillis(createdAt)
	return w, nil
}

func (s *Store) CreateExecution(ctx context.Context, e store.WorkflowExecution) (store.WorkflowExecution, bool, error) {
	tag, err := s.Pool.Exec(ctx, `INSERT INTO workflow_executions(`+store.ExecutionColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (cluster_id, workflow_name, execution_id) DO NOTHING`,
		e.ID, e.ClusterID, e.WorkflowName, e.Version, e.JobID, store.NullJSON(e.Input), store.Millis(e.CreatedAt))
	if err != nil {
		return store.WorkflowExecution{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}
	existing, err := s.GetExecution(ctx, e.ClusterID, e.WorkflowName, e.ID)
	return existing, false, err
}

func (s *Store) GetExecution(ctx context.Context, clusterID, workflowName, executionID string) (store.WorkflowExecution, error) {
	e, err := store.ScanExecution(s.Pool.QueryRow(ctx, `SELECT `+store.ExecutionColumns+` FROM workflow_executions WHERE cluster_id = $1 AND workflow_name = $2 AND execution_id = $3`, clusterID, workflowName, executionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.WorkflowExecution{}, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
		}
		return store.WorkflowExecution{}, err
	}
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, clusterID, workflowName string, limit int) ([]store.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+store.ExecutionColumns+` FROM workflow_executions WHERE cluster_id = $1 AND workflow_name = $2 ORDER BY created_at DESC LIMIT $3`, clusterID, workflowName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.WorkflowExecution
	for rows.Next() {
		e, err := store.ScanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExecution(ctx context.Context, clusterID, workflowName, executionID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM workflow_executions WHERE cluster_id = $1 AND workflow_name = $2 AND execution_id = $3`, clusterID, workflowName, executionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpsertRunConfig(ctx context.Context, c store.RunConfig) (store.RunConfig, error) {
	if c.ID == "" || c.ClusterID == "" || c.Name == "" {
		return store.RunConfig{}, errors.New("run config id, cluster and name required")
	}
	row := s.Pool.QueryRow(ctx, `INSERT INTO run_configs(`+store.RunConfigColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
ON CONFLICT (cluster_id, config_id) DO UPDATE SET name = EXCLUDED.name, system_prompt = EXCLUDED.system_prompt, initial_prompt = EXCLUDED.initial_prompt,
  attached_functions = EXCLUDED.attached_functions, result_schema = EXCLUDED.result_schema, input_schema = EXCLUDED.input_schema,
  version = run_configs.version + 1, updated_at = EXCLUDED.updated_at
RETURNING `+store.RunConfigColumns,
		c.ID, c.ClusterID, c.Name, store.NullString(c.SystemPrompt), store.NullString(c.InitialPrompt), store.EncodeStrings(c.AttachedFunctions),
		store.NullJSON(c.ResultSchema), store.NullJSON(c.InputSchema), store.Millis(c.UpdatedAt))
	return store.ScanRunConfig(row)
}

func (s *Store) GetRunConfig(ctx context.Context, clusterID, id string) (store.RunConfig, error) {
	c, err := store.ScanRunConfig(s.Pool.QueryRow(ctx, `SELECT `+store.RunConfigColumns+` FROM run_configs WHERE cluster_id = $1 AND config_id = $2`, clusterID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunConfig{}, fmt.Errorf("run config %s: %w", id, store.ErrNotFound)
		}
		return store.RunConfig{}, err
	}
	return c, nil
}

func (s *Store) ListRunConfigs(ctx context.Context, clusterID string) ([]store.RunConfig, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+store.RunConfigColumns+` FROM run_configs WHERE cluster_id = $1 ORDER BY name`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.RunConfig
	for rows.Next() {
		c, err := store.ScanRunConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRunConfig(ctx context.Context, clusterID, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM run_configs WHERE cluster_id = $1 AND config_id = $2`, clusterID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run config %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateBlob(ctx context.Context, b store.Blob) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO blobs(`+store.BlobColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.ClusterID, store.NullString(b.JobID), store.NullString(b.RunID), b.Name, b.Type, b.Size, b.Backend, b.Data, store.Millis(b.CreatedAt))
	return err
}

func (s *Store) GetBlob(ctx context.Context, clusterID, id string) (store.Blob, error) {
	b, err := store.ScanBlob(s.Pool.QueryRow(ctx, `SELECT `+store.BlobColumns+` FROM blobs WHERE cluster_id = $1 AND blob_id = $2`, clusterID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Blob{}, fmt.Errorf("blob %s: %w", id, store.ErrNotFound)
		}
		return store.Blob{}, err
	}
	return b, nil
}

func (s *Store) ListBlobs(ctx context.Context, clusterID, jobID string) ([]store.Blob, error) {
	rows, err := s.Pool.Query(ctx, `SELECT blob_id, cluster_id, job_id, run_id, name, type, size, backend, NULL::bytea, created_at FROM blobs WHERE cluster_id = $1 AND job_id = $2 ORDER BY created_at`, clusterID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Blob
	for rows.Next() {
		b, err := store.ScanBlob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
