// Package reasoner exposes a model.Model over gRPC. Requests and responses travel as
// google.protobuf.Struct values so no generated code is needed.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ankittk/jobplane/internal/agent/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names on the wire.
const (
	ServiceName = "jobplane.reasoner.v1.Reasoner"
	stepMethod  = "/" + ServiceName + "/Step"
)

// Server is the server-side contract.
type Server interface {
	Step(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Reasoner service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Step", Handler: stepHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobplane/reasoner/v1/reasoner.proto",
}

func stepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stepMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Step(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Register registers a model as the Reasoner service on s.
func Register(s *grpc.Server, m model.Model) {
	s.RegisterService(&ServiceDesc, &modelServer{model: m})
}

type modelServer struct {
	model model.Model
}

func (s *modelServer) Step(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req model.Request
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := s.model.Step(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(resp)
}

// Client is a model.Model backed by a remote Reasoner.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial connects to a Reasoner at target with plaintext credentials unless opts override them.
func Dial(target string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	if target == "" {
		return nil, fmt.Errorf("reasoner target is required")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

var _ model.Model = (*Client)(nil)

// Step sends req to the remote reasoner.
func (c *Client) Step(ctx context.Context, req model.Request) (*model.Response, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, stepMethod, in, out); err != nil {
		return nil, err
	}
	var resp model.Response
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode reasoner payload: %w", err)
	}
	return nil
}
