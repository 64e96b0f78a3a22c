package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIOptions configures an OpenAI-compatible chat completions client.
type OpenAIOptions struct {
	BaseURL string // e.g. https://api.openai.com
	APIKey  string
	Model   string // e.g. gpt-4o-mini
	Timeout time.Duration
	// Temperature is sent only when positive.
	Temperature float64
}

// OpenAI calls /v1/chat/completions with function tools.
type OpenAI struct {
	opts   OpenAIOptions
	client *http.Client
}

// NewOpenAI returns a client; Model defaults to gpt-4o-mini and Timeout to two minutes.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.BaseURL == "" || opts.APIKey == "" {
		return nil, fmt.Errorf("openai model requires base URL and API key")
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &OpenAI{opts: opts, client: &http.Client{Timeout: opts.Timeout}}, nil
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// StatusError is a non-200 response from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model API returned %d: %s", e.Code, e.Body)
}

// Step sends the assembled context and parses text and tool calls from the first choice.
func (o *OpenAI) Step(ctx context.Context, req Request) (*Response, error) {
	messages := make([]chatMessage, 0, len(req.Turns)+1)
	system := req.SystemPrompt
	if len(req.ResultSchema) > 0 {
		system = strings.TrimSpace(system + "\n\nWhen you are done, reply with only a JSON document matching this schema:\n" + string(req.ResultSchema))
	}
	if system != "" {
		messages = append(messages, chatMessage{Role: RoleSystem, Content: system})
	}
	for _, t := range req.Turns {
		m := chatMessage{Role: t.Role, Content: t.Content, ToolCallID: t.ToolCallID}
		for _, tc := range t.ToolCalls {
			var c chatToolCall
			c.ID = tc.ID
			c.Type = "function"
			c.Function.Name = tc.Name
			c.Function.Arguments = string(tc.Arguments)
			if c.Function.Arguments == "" {
				c.Function.Arguments = "{}"
			}
			m.ToolCalls = append(m.ToolCalls, c)
		}
		messages = append(messages, m)
	}
	body := map[string]any{
		"model":    o.opts.Model,
		"messages": messages,
	}
	if o.opts.Temperature > 0 {
		body["temperature"] = o.opts.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Schema
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			})
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(o.opts.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.opts.APIKey)
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var apiResp struct {
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []chatToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("model response has no choices")
	}
	choice := apiResp.Choices[0].Message
	out := &Response{Message: choice.Content}
	for _, tc := range choice.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		} else if !json.Valid(args) {
			return nil, fmt.Errorf("tool call %s has invalid arguments", tc.ID)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}
