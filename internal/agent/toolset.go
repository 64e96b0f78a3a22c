package agent

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/ankittk/jobplane/internal/agent/model"
	"github.com/ankittk/jobplane/internal/registry"
	"github.com/ankittk/jobplane/pkg/models"
)

const maxToolName = 64

var unsafeToolChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// toolName maps a qualified function onto the character set model providers accept.
func toolName(service, function string) string {
	name := unsafeToolChars.ReplaceAllString(service+"_"+function, "_")
	if len(name) > maxToolName {
		name = name[:maxToolName]
	}
	return name
}

// toolset is the set of functions a run may call this step.
type toolset struct {
	tools  []model.Tool
	byName map[string]models.FunctionDefinition
}

func (ts *toolset) resolve(name string) (models.FunctionDefinition, bool) {
	if def, ok := ts.byName[name]; ok {
		return def, true
	}
	for _, def := range ts.byName {
		if def.Service+"."+def.Name == name {
			return def, true
		}
	}
	return models.FunctionDefinition{}, false
}

// loadToolset resolves attached. An empty list exposes every function with a live machine;
// entries are "service.function" or a bare service name.
func loadToolset(ctx context.Context, reg *registry.Registry, clusterID string, attached []string) (*toolset, error) {
	var defs []models.FunctionDefinition
	var err error
	if len(attached) == 0 {
		defs, err = reg.Available(ctx, clusterID)
	} else {
		defs, err = reg.Functions(ctx, clusterID)
	}
	if err != nil {
		return nil, err
	}
	ts := &toolset{byName: make(map[string]models.FunctionDefinition)}
	for _, def := range defs {
		if def.Service == models.WorkflowService || !allowed(attached, def) {
			continue
		}
		name := toolName(def.Service, def.Name)
		if _, dup := ts.byName[name]; dup {
			continue
		}
		ts.byName[name] = def
		ts.tools = append(ts.tools, model.Tool{Name: name, Description: def.Description, Schema: def.Schema})
	}
	sort.Slice(ts.tools, func(i, j int) bool { return ts.tools[i].Name < ts.tools[j].Name })
	return ts, nil
}

func allowed(attached []string, def models.FunctionDefinition) bool {
	if len(attached) == 0 {
		return true
	}
	for _, a := range attached {
		a = strings.TrimSpace(a)
		if a == def.Service || a == def.Service+"."+def.Name {
			return true
		}
	}
	return false
}
