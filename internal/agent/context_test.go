package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ankittk/jobplane/internal/agent/model"
	"github.com/ankittk/jobplane/pkg/models"
)

func TestBuildTurnsKeepsResultsWithTheirCall(t *testing.T) {
	t.Parallel()
	msgs := []models.Message{
		models.NewHumanMessage("start"),
		models.NewAgentMessage(models.AgentMessage{Invocations: []models.Invocation{{ID: "i1", ToolName: "svc_fn"}}}),
		models.NewHumanMessage("while you wait"),
		models.NewResultMessage(models.InvocationResult{InvocationID: "i1", ResultType: models.ResultTypeResolution, Result: json.RawMessage(`1`)}),
	}
	turns := buildTurns(msgs, 0)
	roles := make([]string, len(turns))
	for i, turn := range turns {
		roles[i] = turn.Role
	}
	want := []string{model.RoleUser, model.RoleAssistant, model.RoleTool, model.RoleUser}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Fatalf("roles: got %v want %v", roles, want)
	}
	if turns[2].ToolCallID != "i1" {
		t.Fatalf("tool call id: %q", turns[2].ToolCallID)
	}
}

func TestBuildTurnsTrimsOldestGroups(t *testing.T) {
	t.Parallel()
	big := strings.Repeat("x", 100)
	msgs := []models.Message{
		models.NewHumanMessage("opening"),
		models.NewHumanMessage(big),
		models.NewHumanMessage(big),
		models.NewHumanMessage("latest"),
	}
	turns := buildTurns(msgs, 150)
	if len(turns) != 3 || turns[0].Content != "opening" || turns[2].Content != "latest" {
		t.Fatalf("turns: %+v", turns)
	}
}

func TestIndexNeedsStep(t *testing.T) {
	t.Parallel()
	inv := models.NewAgentMessage(models.AgentMessage{Invocations: []models.Invocation{{ID: "a"}, {ID: "b"}}})
	ix := newIndex([]models.Message{models.NewHumanMessage("go"), inv})
	if ix.needsStep() || len(ix.outstanding()) != 2 {
		t.Fatalf("outstanding: %d", len(ix.outstanding()))
	}
	ix.add(models.NewResultMessage(models.InvocationResult{InvocationID: "b"}))
	if ix.needsStep() {
		t.Fatal("needsStep with one result missing")
	}
	ix.add(models.NewResultMessage(models.InvocationResult{InvocationID: "a"}))
	if !ix.needsStep() {
		t.Fatal("needsStep false with all results present")
	}
	final := newIndex([]models.Message{models.NewHumanMessage("go"), models.NewAgentMessage(models.AgentMessage{Message: "done"})})
	if final.needsStep() {
		t.Fatal("needsStep after final answer")
	}
}

func TestToolName(t *testing.T) {
	t.Parallel()
	if got := toolName("billing", "refund.v2"); got != "billing_refund_v2" {
		t.Fatalf("toolName: %q", got)
	}
	if got := toolName(strings.Repeat("s", 80), "f"); len(got) != maxToolName {
		t.Fatalf("toolName length: %d", len(got))
	}
}
