package reasoner

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/ankittk/jobplane/internal/agent/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, m model.Model) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	Register(s, m)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c, err := Dial("passthrough:///bufnet", 0, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientRoundTrip(t *testing.T) {
	scripted := model.NewScriptedModel(model.Scripted{Response: model.Response{
		Message: "calling",
		ToolCalls: []model.ToolCall{{
			ID: "inv-1", Name: "billing_refund", Arguments: json.RawMessage(`{"amount":5}`), Reasoning: "customer asked",
		}},
	}})
	c := startServer(t, scripted)
	resp, err := c.Step(context.Background(), model.Request{
		RunID: "r1",
		Turns: []model.Turn{{Role: model.RoleUser, Content: "refund"}},
		Tools: []model.Tool{{Name: "billing_refund", Schema: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if resp.Message != "calling" || len(resp.ToolCalls) != 1 {
		t.Fatalf("Step: %+v", resp)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "inv-1" || tc.Reasoning != "customer asked" || string(tc.Arguments) != `{"amount":5}` {
		t.Fatalf("tool call: %+v args=%s", tc, tc.Arguments)
	}
	reqs := scripted.Requests()
	if len(reqs) != 1 || reqs[0].RunID != "r1" || len(reqs[0].Tools) != 1 {
		t.Fatalf("server saw %+v", reqs)
	}
}

func TestClientPropagatesErrors(t *testing.T) {
	c := startServer(t, model.NewScriptedModel())
	if _, err := c.Step(context.Background(), model.Request{}); err == nil {
		t.Fatal("expected error from exhausted script")
	}
}

func TestEcho(t *testing.T) {
	resp, err := Echo{}.Step(context.Background(), model.Request{
		Turns:        []model.Turn{{Role: model.RoleUser, Content: `{"word":"needle"}`}},
		ResultSchema: json.RawMessage(`{"type":"object"}`),
	})
	if err != nil || string(resp.Result) != `{"word":"needle"}` {
		t.Fatalf("Echo: %+v %v", resp, err)
	}
	resp, _ = Echo{}.Step(context.Background(), model.Request{Turns: []model.Turn{{Role: model.RoleUser, Content: "hi"}}})
	if resp.Message != "hi" {
		t.Fatalf("Echo: %+v", resp)
	}
}
