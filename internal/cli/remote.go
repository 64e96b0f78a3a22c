package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/jobplane/internal/daemon"
	"github.com/ankittk/jobplane/pkg/client"
)

// client returns an API client for the --server URL, the running daemon's address, or
// listen.addr, in that order.
func (g *globals) client(cmd *cobra.Command) *client.Client {
	base := g.server
	if base == "" {
		if st, _ := daemon.Status(cmd.Context(), g.home); st.Running && st.Addr != "unknown" {
			base = st.Addr
		} else {
			base = g.cfg.Listen.Addr
		}
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	key := g.apiKey
	if key == "" {
		key = g.cfg.Listen.APIKey
	}
	c := client.New(strings.TrimRight(base, "/"), key)
	c.Cluster = g.cluster
	if c.Cluster == "" {
		c.Cluster = g.cfg.Cluster
	}
	return c
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput returns s as JSON, reading it from a file when it starts with "@" and from stdin
// when it is "-".
func readInput(cmd *cobra.Command, s string) (json.RawMessage, error) {
	var b []byte
	switch {
	case s == "":
		return nil, nil
	case s == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		b = data
	case strings.HasPrefix(s, "@"):
		data, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, err
		}
		b = data
	default:
		b = []byte(s)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return json.RawMessage(b), nil
}
