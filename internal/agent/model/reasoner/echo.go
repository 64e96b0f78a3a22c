package reasoner

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ankittk/jobplane/internal/agent/model"
)

// Echo is a local reasoner that answers with the last user or tool turn. When a result schema is
// requested and that turn is a JSON document, it is returned as the structured result.
type Echo struct{}

func (Echo) Step(_ context.Context, req model.Request) (*model.Response, error) {
	var last string
	for i := len(req.Turns) - 1; i >= 0; i-- {
		t := req.Turns[i]
		if t.Role == model.RoleUser || t.Role == model.RoleTool {
			last = strings.TrimSpace(t.Content)
			break
		}
	}
	if len(req.ResultSchema) > 0 && json.Valid([]byte(last)) {
		return &model.Response{Result: json.RawMessage(last)}, nil
	}
	return &model.Response{Message: last}, nil
}
