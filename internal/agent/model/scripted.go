package model

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is one turn of a Scripted model.
type Scripted struct {
	Response Response
	Err      error
}

// ScriptedModel replays a fixed sequence of responses and records the requests it saw.
type ScriptedModel struct {
	mu       sync.Mutex
	index    int
	script   []Scripted
	requests []Request
}

func NewScriptedModel(script ...Scripted) *ScriptedModel {
	cloned := make([]Scripted, len(script))
	copy(cloned, script)
	return &ScriptedModel{script: cloned}
}

var _ Model = (*ScriptedModel)(nil)

func (m *ScriptedModel) Step(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.index >= len(m.script) {
		return nil, fmt.Errorf("script exhausted at step %d", m.index+1)
	}
	cur := m.script[m.index]
	m.index++
	if cur.Err != nil {
		return nil, cur.Err
	}
	resp := cur.Response
	resp.ToolCalls = append([]ToolCall(nil), cur.Response.ToolCalls...)
	return &resp, nil
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Calls returns how many steps were taken.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
