// jobplane-reasoner serves a reasoning model over gRPC for daemons configured with
// agent.provider=grpc.
// Example: go run ./cmd/jobplane-reasoner --addr=:50051
// Then start the daemon with: JOBPLANE_AGENT_REASONERADDR=localhost:50051 jobplane start --provider=grpc
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/ankittk/jobplane/internal/agent/model"
	"github.com/ankittk/jobplane/internal/agent/model/reasoner"
	"github.com/ankittk/jobplane/internal/logging"
)

func main() {
	addr := flag.String("addr", ":50051", "gRPC listen address")
	provider := flag.String("provider", "echo", "Model behind the service: echo or openai")
	baseURL := flag.String("openai-base-url", "https://api.openai.com", "OpenAI-compatible API base URL")
	modelName := flag.String("model", "gpt-4o-mini", "Model name for provider=openai")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := logging.Setup(os.Stderr, *logLevel, "text", true); err != nil {
		slog.Error("logging", "err", err)
		os.Exit(1)
	}

	var m model.Model = reasoner.Echo{}
	if *provider == "openai" {
		o, err := model.NewOpenAI(model.OpenAIOptions{
			BaseURL: *baseURL,
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   *modelName,
			Timeout: 2 * time.Minute,
		})
		if err != nil {
			slog.Error("openai model", "err", err)
			os.Exit(1)
		}
		m = o
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		slog.Error("listen", "err", err)
		os.Exit(1)
	}
	srv := grpc.NewServer()
	reasoner.Register(srv, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	slog.Info("reasoner listening", "addr", lis.Addr().String(), "provider", *provider)
	if err := srv.Serve(lis); err != nil {
		slog.Error("serve", "err", err)
		os.Exit(1)
	}
}
