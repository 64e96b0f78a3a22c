package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the default home directory.
const HomeEnv = "JOBPLANE_HOME"

// ResolveHome picks the jobplane home: the override, then $JOBPLANE_HOME, then ~/.jobplane.
// A leading "~/" is expanded in either of the first two.
func ResolveHome(override string) (string, error) {
	for _, dir := range []string{override, os.Getenv(HomeEnv)} {
		if dir == "" {
			continue
		}
		return expandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("could not determine user home directory; set " + HomeEnv)
	}
	return filepath.Join(home, ".jobplane"), nil
}

func expandTilde(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return filepath.Clean(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(dir[1:], "/")), nil
}
