package daemon

import "github.com/ankittk/jobplane/internal/config"

// StartOptions configures the daemon process.
type StartOptions struct {
	Home       string
	ConfigFile string // passed to the background child; empty uses <home>/jobplane.yaml
	Config     config.Config
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
