package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/joho/godotenv"

	"github.com/ankittk/jobplane/pkg/models"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "doctor", "jobs", "runs", "runconfig", "workflow", "functions", "approvals", "apikey"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_persistentFlags(t *testing.T) {
	root := NewRootCmd("")
	for _, name := range []string{"home", "config", "env-file", "server", "api-key", "cluster"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag", name)
		}
	}
}

func TestApikeyGenerate(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", t.TempDir(), "apikey", "generate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("apikey generate: %v", err)
	}
	out := buf.String()
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	if !strings.Contains(out, "JOBPLANE_LISTEN_APIKEY") {
		t.Errorf("output should mention JOBPLANE_LISTEN_APIKEY")
	}
	if !strings.Contains(out, "X-API-Key") {
		t.Errorf("output should mention X-API-Key")
	}
}

func TestEnvFileAndConfig(t *testing.T) {
	home := t.TempDir()
	envFile := filepath.Join(home, ".env")
	if err := os.WriteFile(envFile, []byte("JOBPLANE_CLUSTER=from-env\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("JOBPLANE_CLUSTER") })

	var gotCluster string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCluster = r.Header.Get("X-Cluster-ID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	root := NewRootCmd("")
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--home", home, "--env-file", envFile, "--server", srv.URL, "approvals"})
	if err := root.Execute(); err != nil {
		t.Fatalf("approvals: %v", err)
	}
	if gotCluster != "from-env" {
		t.Errorf("X-Cluster-ID: got %q", gotCluster)
	}
}

func TestJobsCallAndList(t *testing.T) {
	var created models.CreateJobRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "POST /jobs":
			_ = json.NewDecoder(r.Body).Decode(&created)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(models.Job{ID: "j1", Service: created.Service, Function: created.Function, Status: models.JobStatusPending})
		case "GET /jobs":
			_ = json.NewEncoder(w).Encode([]models.Job{{ID: "j1", Service: "math", Function: "add", Status: models.JobStatusSuccess, ApprovalState: models.ApprovalStateNone}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	home := t.TempDir()

	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "--server", srv.URL, "jobs", "call", "math.add", "--input", `{"a":1}`, "--timeout", "5"})
	if err := root.Execute(); err != nil {
		t.Fatalf("jobs call: %v", err)
	}
	if created.Service != "math" || created.Function != "add" || string(created.Input) != `{"a":1}` {
		t.Errorf("created: %+v", created)
	}
	if created.Policy == nil || created.Policy.TimeoutSeconds == nil || *created.Policy.TimeoutSeconds != 5 {
		t.Errorf("policy: %+v", created.Policy)
	}

	root = NewRootCmd("")
	buf.Reset()
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "--server", srv.URL, "jobs", "list"})
	if err := root.Execute(); err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.Contains(buf.String(), "math.add") || !strings.Contains(buf.String(), "success") {
		t.Errorf("jobs list output:\n%s", buf.String())
	}
}

func TestJobsCallRejectsBadTarget(t *testing.T) {
	root := NewRootCmd("")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--home", t.TempDir(), "--server", "http://127.0.0.1:1", "jobs", "call", "nodot"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for target without a dot")
	}
}

func TestParseRunConfig(t *testing.T) {
	data := []byte(`
id: triage
name: Ticket triage
systemPrompt: You triage support tickets.
attachedFunctions: [tickets.search, tickets.label]
resultSchema:
  type: object
  required: [label]
  properties:
    label: {type: string}
`)
	cfg, err := parseRunConfig(data)
	if err != nil {
		t.Fatalf("parseRunConfig: %v", err)
	}
	if cfg.ID != "triage" || cfg.Name != "Ticket triage" || len(cfg.AttachedFunctions) != 2 {
		t.Errorf("cfg: %+v", cfg)
	}
	var schema map[string]any
	if err := json.Unmarshal(cfg.ResultSchema, &schema); err != nil {
		t.Fatalf("resultSchema: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("resultSchema: %s", cfg.ResultSchema)
	}
	if _, err := parseRunConfig([]byte("name: x\n")); err == nil {
		t.Error("expected error without id")
	}
}

func TestStatus_notRunning(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", t.TempDir(), "status"})
	if err := root.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(buf.String(), "not running") {
		t.Errorf("status output: %q", buf.String())
	}
}

func TestApikeyGenerate_envFileReplacesKey(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("JOBPLANE_CLUSTER=c1\nJOBPLANE_LISTEN_APIKEY=old\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	root := NewRootCmd("")
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--home", dir, "apikey", "generate", "--env", envFile})
	if err := root.Execute(); err != nil {
		t.Fatalf("apikey generate: %v", err)
	}
	env, err := godotenv.Read(envFile)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if env["JOBPLANE_CLUSTER"] != "c1" {
		t.Errorf("other entries lost: %v", env)
	}
	if k := env["JOBPLANE_LISTEN_APIKEY"]; len(k) != 64 || k == "old" {
		t.Errorf("api key not replaced: %q", k)
	}
}

func TestNuke_confirmation(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(filepath.Join(home, "data"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetIn(strings.NewReader("no\n"))
	root.SetArgs([]string{"--home", home, "nuke"})
	if err := root.Execute(); err != nil {
		t.Fatalf("nuke: %v", err)
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home removed without confirmation: %v", err)
	}

	root = NewRootCmd("")
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", home, "nuke", "--yes"})
	if err := root.Execute(); err != nil {
		t.Fatalf("nuke --yes: %v", err)
	}
	if _, err := os.Stat(home); !os.IsNotExist(err) {
		t.Fatalf("home still present: %v", err)
	}
}

func TestStatus_json(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--home", t.TempDir(), "status", "--json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var st daemonStatus
	if err := json.Unmarshal(buf.Bytes(), &st); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if st.Running || st.Healthy != nil || st.Home == "" {
		t.Fatalf("status: %+v", st)
	}
}
