package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types. A message carries exactly one payload matching its type.
const (
	MessageHuman            = "human"
	MessageAgent            = "agent"
	MessageInvocationResult = "invocation-result"
	MessageTemplate         = "template"
	MessageSupervisor       = "supervisor"
)

// Message is a tagged union over the run message kinds.
type Message struct {
	ID        string
	RunID     string
	Seq       int64
	Type      string
	CreatedAt time.Time

	Human            *HumanMessage
	Agent            *AgentMessage
	InvocationResult *InvocationResult
	Template         *TemplateMessage
	Supervisor       *SupervisorMessage
}

// HumanMessage is text supplied by a caller.
type HumanMessage struct {
	Message string `json:"message"`
}

// AgentMessage is one model turn: optional text or structured result, plus the invocations it issued.
type AgentMessage struct {
	Message     string          `json:"message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Invocations []Invocation    `json:"invocations,omitempty"`
}

// Invocation is a tool call issued by the model, correlated by ID with its result.
type Invocation struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"toolName"`
	Service   string          `json:"service,omitempty"`
	Function  string          `json:"function,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// InvocationResult is the outcome of one invocation.
type InvocationResult struct {
	InvocationID string          `json:"invocationId"`
	JobID        string          `json:"jobId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	ResultType   string          `json:"resultType"`
	Result       json.RawMessage `json:"result,omitempty"`
	Synthesized  bool            `json:"synthesized,omitempty"` // produced by the control plane, not the function
	Reason       string          `json:"reason,omitempty"`
}

// TemplateMessage is a prompt rendered from a run config.
type TemplateMessage struct {
	TemplateID string `json:"templateId,omitempty"`
	Message    string `json:"message"`
}

// SupervisorMessage is control-plane feedback to the model (e.g. a schema validation error).
type SupervisorMessage struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// NewHumanMessage returns a human message.
func NewHumanMessage(text string) Message {
	return Message{Type: MessageHuman, Human: &HumanMessage{Message: text}}
}

// NewAgentMessage returns an agent message.
func NewAgentMessage(m AgentMessage) Message {
	return Message{Type: MessageAgent, Agent: &m}
}

// NewResultMessage returns an invocation-result message.
func NewResultMessage(r InvocationResult) Message {
	return Message{Type: MessageInvocationResult, InvocationResult: &r}
}

// NewTemplateMessage returns a template message.
func NewTemplateMessage(templateID, text string) Message {
	return Message{Type: MessageTemplate, Template: &TemplateMessage{TemplateID: templateID, Message: text}}
}

// NewSupervisorMessage returns a supervisor message.
func NewSupervisorMessage(text, errText string) Message {
	return Message{Type: MessageSupervisor, Supervisor: &SupervisorMessage{Message: text, Error: errText}}
}

// Payload returns the non-nil payload for the message type.
func (m Message) Payload() (any, error) {
	switch m.Type {
	case MessageHuman:
		if m.Human != nil {
			return m.Human, nil
		}
	case MessageAgent:
		if m.Agent != nil {
			return m.Agent, nil
		}
	case MessageInvocationResult:
		if m.InvocationResult != nil {
			return m.InvocationResult, nil
		}
	case MessageTemplate:
		if m.Template != nil {
			return m.Template, nil
		}
	case MessageSupervisor:
		if m.Supervisor != nil {
			return m.Supervisor, nil
		}
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil, fmt.Errorf("message of type %q has no payload", m.Type)
}

// EncodeData returns the JSON encoding of the message payload.
func (m Message) EncodeData() ([]byte, error) {
	p, err := m.Payload()
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodeMessageData rebuilds the union from a type and its JSON payload.
func DecodeMessageData(typ string, data []byte) (Message, error) {
	m := Message{Type: typ}
	var target any
	switch typ {
	case MessageHuman:
		m.Human = &HumanMessage{}
		target = m.Human
	case MessageAgent:
		m.Agent = &AgentMessage{}
		target = m.Agent
	case MessageInvocationResult:
		m.InvocationResult = &InvocationResult{}
		target = m.InvocationResult
	case MessageTemplate:
		m.Template = &TemplateMessage{}
		target = m.Template
	case MessageSupervisor:
		m.Supervisor = &SupervisorMessage{}
		target = m.Supervisor
	default:
		return Message{}, fmt.Errorf("unknown message type %q", typ)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return Message{}, fmt.Errorf("decode %s message: %w", typ, err)
		}
	}
	return m, nil
}

type messageJSON struct {
	ID        string          `json:"id,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
}

// MarshalJSON encodes the message as {"type": ..., "data": payload}.
func (m Message) MarshalJSON() ([]byte, error) {
	data, err := m.EncodeData()
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{ID: m.ID, RunID: m.RunID, Seq: m.Seq, Type: m.Type, Data: data, CreatedAt: m.CreatedAt})
}

// UnmarshalJSON decodes {"type": ..., "data": payload}.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Type == "" {
		return errors.New("message type required")
	}
	dec, err := DecodeMessageData(raw.Type, raw.Data)
	if err != nil {
		return err
	}
	dec.ID, dec.RunID, dec.Seq, dec.CreatedAt = raw.ID, raw.RunID, raw.Seq, raw.CreatedAt
	*m = dec
	return nil
}
