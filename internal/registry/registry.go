// Package registry tracks machine liveness and the function definitions machines advertise.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ankittk/jobplane/internal/ledger"
	"github.com/ankittk/jobplane/internal/schema"
	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

// DefaultLiveness is how long a machine counts as connected after its last poll or registration.
const DefaultLiveness = 60 * time.Second

// Registry reads and writes function definitions and machine liveness.
type Registry struct {
	store    store.Store
	liveness time.Duration
	stall    time.Duration
	now      func() time.Time
}

// New returns a registry; liveness <= 0 uses DefaultLiveness.
func New(st store.Store, liveness time.Duration) *Registry {
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	return &Registry{store: st, liveness: liveness, now: time.Now}
}

// SetStallInterval tells the registry how often attempts are checked for stalls, so that
// registrations whose timeout cannot be detected in time are reported.
func (r *Registry) SetStallInterval(d time.Duration) { r.stall = d }

// shortTimeout reports whether fn's own timeout is not above the stall interval.
func (r *Registry) shortTimeout(fn models.FunctionDefinition) bool {
	t := fn.Config.TimeoutSeconds
	return r.stall > 0 && t != nil && time.Duration(*t)*time.Second <= r.stall
}

// Register replaces the definitions of the advertised functions and workflows and marks the
// machine live for their services.
func (r *Registry) Register(ctx context.Context, clusterID string, req models.RegisterRequest) error {
	if strings.TrimSpace(req.MachineID) == "" {
		return fmt.Errorf("%w: machineId is required", store.ErrInvalid)
	}
	now := r.now()
	services := map[string]struct{}{}
	for _, fn := range req.Functions {
		def, err := validateFunction(fn)
		if err != nil {
			return err
		}
		if r.shortTimeout(def) {
			slog.Warn("function timeout not above stall interval; stalls are detected late",
				"cluster", clusterID, "function", def.Service+"."+def.Name,
				"timeout_seconds", *def.Config.TimeoutSeconds, "stall_interval", r.stall.String())
		}
		cfg, err := json.Marshal(def.Config)
		if err != nil {
			return err
		}
		if err := r.store.UpsertFunction(ctx, store.FunctionDef{
			ClusterID:   clusterID,
			Service:     def.Service,
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
			Config:      cfg,
			UpdatedAt:   now,
		}); err != nil {
			return fmt.Errorf("register %s.%s: %w", def.Service, def.Name, err)
		}
		services[def.Service] = struct{}{}
	}
	for _, wf := range req.Workflows {
		if wf.Name == "" || strings.Contains(wf.Name, ".") || wf.Version <= 0 {
			return fmt.Errorf("%w: workflow needs a name without dots and a positive version", store.ErrInvalid)
		}
		if err := r.store.UpsertWorkflow(ctx, store.Workflow{ClusterID: clusterID, Name: wf.Name, Version: wf.Version, CreatedAt: now}); err != nil {
			return fmt.Errorf("register workflow %s: %w", wf.Name, err)
		}
		services[models.WorkflowService] = struct{}{}
	}
	list := make([]string, 0, len(services))
	for s := range services {
		list = append(list, s)
	}
	sort.Strings(list)
	return r.store.TouchMachine(ctx, clusterID, req.MachineID, list, now)
}

func validateFunction(fn models.FunctionDefinition) (models.FunctionDefinition, error) {
	if fn.Service == "" || fn.Name == "" {
		return fn, fmt.Errorf("%w: function service and name are required", store.ErrInvalid)
	}
	if strings.Contains(fn.Service, ".") {
		return fn, fmt.Errorf("%w: service name %q must not contain dots", store.ErrInvalid, fn.Service)
	}
	if fn.Service == models.WorkflowService {
		return fn, fmt.Errorf("%w: service name %q is reserved", store.ErrInvalid, fn.Service)
	}
	if len(fn.Schema) > 0 {
		if _, err := schema.Compile(fn.Schema); err != nil {
			return fn, fmt.Errorf("%w: %s.%s schema: %v", store.ErrInvalid, fn.Service, fn.Name, err)
		}
	}
	mode := fn.Config.ApprovalMode
	if mode == "" && fn.Config.RequiresApproval {
		mode = models.ApprovalPre
	}
	norm, err := ledger.NormalizeApprovalMode(mode)
	if err != nil {
		return fn, err
	}
	if mode != "" {
		fn.Config.ApprovalMode = norm
	}
	if fn.Config.TimeoutSeconds != nil && *fn.Config.TimeoutSeconds <= 0 {
		return fn, fmt.Errorf("%w: %s.%s timeoutSeconds must be positive", store.ErrInvalid, fn.Service, fn.Name)
	}
	if fn.Config.RetryCountOnStall != nil && *fn.Config.RetryCountOnStall < 0 {
		return fn, fmt.Errorf("%w: %s.%s retryCountOnStall must not be negative", store.ErrInvalid, fn.Service, fn.Name)
	}
	return fn, nil
}

// Touch refreshes liveness for the services named by poll targets.
func (r *Registry) Touch(ctx context.Context, clusterID, machineID string, targets []string) error {
	seen := map[string]struct{}{}
	var services []string
	for _, t := range targets {
		svc, _, _ := strings.Cut(t, ".")
		if svc == "" {
			continue
		}
		if _, ok := seen[svc]; ok {
			continue
		}
		seen[svc] = struct{}{}
		services = append(services, svc)
	}
	return r.store.TouchMachine(ctx, clusterID, machineID, services, r.now())
}

// Machines lists machines seen within the liveness window.
func (r *Registry) Machines(ctx context.Context, clusterID string) ([]models.Machine, error) {
	rows, err := r.store.ListMachineServices(ctx, clusterID, r.now().Add(-r.liveness))
	if err != nil {
		return nil, err
	}
	byID := map[string]*models.Machine{}
	var order []string
	for _, row := range rows {
		m, ok := byID[row.MachineID]
		if !ok {
			m = &models.Machine{MachineID: row.MachineID}
			byID[row.MachineID] = m
			order = append(order, row.MachineID)
		}
		m.Services = append(m.Services, row.Service)
		if row.LastSeenAt.After(m.LastPingAt) {
			m.LastPingAt = row.LastSeenAt
		}
	}
	out := make([]models.Machine, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// Available lists functions whose service is advertised by a live machine.
func (r *Registry) Available(ctx context.Context, clusterID string) ([]models.FunctionDefinition, error) {
	rows, err := r.store.ListMachineServices(ctx, clusterID, r.now().Add(-r.liveness))
	if err != nil {
		return nil, err
	}
	live := map[string]struct{}{}
	for _, row := range rows {
		live[row.Service] = struct{}{}
	}
	defs, err := r.store.ListFunctions(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	var out []models.FunctionDefinition
	for _, d := range defs {
		if _, ok := live[d.Service]; !ok {
			continue
		}
		m, err := toModel(d)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Functions lists every registered definition regardless of liveness.
func (r *Registry) Functions(ctx context.Context, clusterID string) ([]models.FunctionDefinition, error) {
	defs, err := r.store.ListFunctions(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	out := make([]models.FunctionDefinition, 0, len(defs))
	for _, d := range defs {
		m, err := toModel(d)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Lookup returns one registered definition regardless of liveness.
func (r *Registry) Lookup(ctx context.Context, clusterID, service, name string) (models.FunctionDefinition, error) {
	d, err := r.store.GetFunction(ctx, clusterID, service, name)
	if err != nil {
		return models.FunctionDefinition{}, err
	}
	return toModel(d)
}

// LatestWorkflow returns the newest registered version of a workflow.
func (r *Registry) LatestWorkflow(ctx context.Context, clusterID, name string) (models.WorkflowDefinition, error) {
	w, err := r.store.LatestWorkflow(ctx, clusterID, name)
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	return models.WorkflowDefinition{Name: w.Name, Version: w.Version}, nil
}

// WorkflowHandler is the function name a workflow version is dispatched to.
func WorkflowHandler(name string, version int) string {
	return name + "." + strconv.Itoa(version)
}

func toModel(d store.FunctionDef) (models.FunctionDefinition, error) {
	m := models.FunctionDefinition{
		Service:     d.Service,
		Name:        d.Name,
		Description: d.Description,
		Schema:      d.Schema,
		UpdatedAt:   d.UpdatedAt,
	}
	if len(d.Config) > 0 {
		if err := json.Unmarshal(d.Config, &m.Config); err != nil {
			return m, fmt.Errorf("function %s.%s config: %w", d.Service, d.Name, err)
		}
	}
	return m, nil
}
