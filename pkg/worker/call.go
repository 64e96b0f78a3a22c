package worker

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/ankittk/jobplane/pkg/client"
	"github.com/ankittk/jobplane/pkg/models"
)

// Call is one attempt of a job as seen by a handler.
type Call struct {
	JobID        string
	Service      string
	Function     string
	Input        json.RawMessage
	Approved     *bool // set once a decision exists
	AttemptCount int
	RunID        string
	ExecutionID  string

	token  string
	client *client.Client
	blobs  []models.BlobInput
}

// IsApproved reports whether the job carries a granted approval.
func (c *Call) IsApproved() bool { return c.Approved != nil && *c.Approved }

// RequestApproval parks the attempt until someone decides. It returns ErrApprovalRequested on
// success, which the handler should return as is. On a grant the job is delivered again with
// IsApproved true.
func (c *Call) RequestApproval(ctx context.Context) error {
	if _, err := c.client.RequestApproval(ctx, c.JobID, c.token); err != nil {
		return err
	}
	return ErrApprovalRequested
}

// Attach adds a blob to the result this attempt submits.
func (c *Call) Attach(name, contentType string, data []byte) {
	c.blobs = append(c.blobs, models.BlobInput{Name: name, Type: contentType, Data: data})
}

// FunctionOption adjusts a function definition before registration.
type FunctionOption func(*models.FunctionDefinition)

// Description sets the description shown to the reasoning model.
func Description(s string) FunctionOption {
	return func(d *models.FunctionDefinition) { d.Description = s }
}

// Config sets the function's dispatch and approval configuration.
func Config(cfg models.FunctionConfig) FunctionOption {
	return func(d *models.FunctionDefinition) { d.Config = cfg }
}

// Reflect returns the JSON Schema of T, inlined without $defs.
func Reflect[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
		Anonymous:      true,
	}
	var zero T
	s := r.Reflect(&zero)
	s.Version = ""
	s.ID = ""
	return json.Marshal(s)
}
