package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ankittk/jobplane/internal/cli"
	"github.com/ankittk/jobplane/pkg/client"
)

// Exit codes.
const (
	exitOK     = 0
	exitErr    = 1
	exitRemote = 3 // the control plane answered with an error
)

// Run executes the CLI and returns the process exit code.
func Run(ctx context.Context, args []string, stderr io.Writer) int {
	root := cli.NewRootCmd(Version)
	root.SetArgs(args)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			_, _ = fmt.Fprintf(stderr, "error [%s]: %s\n", apiErr.Code, apiErr.Message)
		} else {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		}
		return exitRemote
	}
	_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
	return exitErr
}
