package cli

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const apiKeyEnv = "JOBPLANE_LISTEN_APIKEY"

func newApikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage the control plane API key",
	}
	cmd.AddCommand(newApikeyGenerateCmd())
	return cmd
}

func newApikeyGenerateCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random API key, optionally storing it in a dotenv file",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := newAPIKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Generated API key (save it somewhere safe):\n\n  %s\n\n", key)
			if envFile != "" {
				if err := storeAPIKey(envFile, key); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Wrote %s to %s\nStart the server with: jobplane start --env-file %s\n", apiKeyEnv, envFile, envFile)
				return nil
			}
			_, _ = fmt.Fprintf(out, "Server: export %s=%s (or pass --env-file)\n", apiKeyEnv, key)
			_, _ = fmt.Fprintln(out, "Clients: send header X-API-Key: <key>, or use --api-key with this CLI")
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Write "+apiKeyEnv+" into this dotenv file, replacing any previous key")
	return cmd
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// storeAPIKey sets the key in a dotenv file, keeping its other entries.
func storeAPIKey(path, key string) error {
	env, err := godotenv.Read(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		env = map[string]string{}
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	}
	env[apiKeyEnv] = key
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
