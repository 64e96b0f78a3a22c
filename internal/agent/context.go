package agent

import (
	"encoding/json"

	"github.com/ankittk/jobplane/internal/agent/model"
	"github.com/ankittk/jobplane/pkg/models"
)

// DefaultContextBudget is the approximate size, in characters, of the history sent per step.
const DefaultContextBudget = 60000

// buildTurns renders the message log as model turns. When the history exceeds budget, the
// oldest groups after the opening prompt are dropped. An agent message and the results of its
// invocations form one group, so tool results always directly follow their call even when a
// human message arrived while the calls were running.
func buildTurns(msgs []models.Message, budget int) []model.Turn {
	var groups [][]model.Turn
	owner := make(map[string]int)
	for _, m := range msgs {
		turn, ok := renderTurn(m)
		if !ok {
			continue
		}
		if m.Type == models.MessageInvocationResult {
			if g, ok := owner[m.InvocationResult.InvocationID]; ok {
				groups[g] = append(groups[g], turn)
			}
			continue
		}
		if m.Type == models.MessageAgent {
			for _, inv := range m.Agent.Invocations {
				owner[inv.ID] = len(groups)
			}
		}
		groups = append(groups, []model.Turn{turn})
	}
	if budget > 0 {
		total := 0
		for _, g := range groups {
			total += groupSize(g)
		}
		for total > budget && len(groups) > 2 {
			total -= groupSize(groups[1])
			groups = append(groups[:1], groups[2:]...)
		}
	}
	var out []model.Turn
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func renderTurn(m models.Message) (model.Turn, bool) {
	switch m.Type {
	case models.MessageHuman:
		return model.Turn{Role: model.RoleUser, Content: m.Human.Message}, true
	case models.MessageTemplate:
		return model.Turn{Role: model.RoleUser, Content: m.Template.Message}, true
	case models.MessageSupervisor:
		text := m.Supervisor.Message
		if m.Supervisor.Error != "" {
			text += "\n\nError: " + m.Supervisor.Error
		}
		return model.Turn{Role: model.RoleUser, Content: text}, true
	case models.MessageAgent:
		t := model.Turn{Role: model.RoleAssistant, Content: m.Agent.Message}
		if t.Content == "" && len(m.Agent.Result) > 0 {
			t.Content = string(m.Agent.Result)
		}
		for _, inv := range m.Agent.Invocations {
			t.ToolCalls = append(t.ToolCalls, model.ToolCall{
				ID:        inv.ID,
				Name:      inv.ToolName,
				Arguments: inv.Input,
				Reasoning: inv.Reasoning,
			})
		}
		return t, true
	case models.MessageInvocationResult:
		r := m.InvocationResult
		body, _ := json.Marshal(struct {
			ResultType string          `json:"resultType"`
			Result     json.RawMessage `json:"result,omitempty"`
		}{r.ResultType, r.Result})
		return model.Turn{Role: model.RoleTool, Content: string(body), ToolCallID: r.InvocationID}, true
	}
	return model.Turn{}, false
}

func groupSize(g []model.Turn) int {
	n := 0
	for _, t := range g {
		n += len(t.Content)
		for _, c := range t.ToolCalls {
			n += len(c.Name) + len(c.Arguments)
		}
	}
	return n
}
