package agent

import (
	"github.com/ankittk/jobplane/pkg/models"
)

// invocationIndex correlates invocations issued by agent messages with their results.
type invocationIndex struct {
	order       []string
	invocations map[string]models.Invocation
	results     map[string]*models.InvocationResult
	last        *models.Message
}

func newIndex(msgs []models.Message) *invocationIndex {
	ix := &invocationIndex{
		invocations: make(map[string]models.Invocation),
		results:     make(map[string]*models.InvocationResult),
	}
	for i := range msgs {
		ix.add(msgs[i])
	}
	return ix
}

// add records m; call it for every appended message to keep the index current.
func (ix *invocationIndex) add(m models.Message) {
	switch m.Type {
	case models.MessageAgent:
		for _, inv := range m.Agent.Invocations {
			if _, ok := ix.invocations[inv.ID]; ok {
				continue
			}
			ix.order = append(ix.order, inv.ID)
			ix.invocations[inv.ID] = inv
		}
	case models.MessageInvocationResult:
		r := *m.InvocationResult
		ix.results[r.InvocationID] = &r
	}
	ix.last = &m
}

// outstanding returns invocations without a result, in issue order.
func (ix *invocationIndex) outstanding() []models.Invocation {
	var out []models.Invocation
	for _, id := range ix.order {
		if _, ok := ix.results[id]; !ok {
			out = append(out, ix.invocations[id])
		}
	}
	return out
}

func (ix *invocationIndex) resolved(id string) bool {
	_, ok := ix.results[id]
	return ok
}

// needsStep reports whether the log ends with input the model has not answered yet. It is
// false while any issued invocation still lacks its result.
func (ix *invocationIndex) needsStep() bool {
	if ix.last == nil || len(ix.outstanding()) > 0 {
		return false
	}
	if ix.last.Type == models.MessageAgent {
		return len(ix.last.Agent.Invocations) > 0
	}
	return true
}
