package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/atelier/storage"
	"github.com/c360studio/atelier/storage/sqlite"
	"github.com/c360studio/atelier/workflow"
)

// modelServer answers chat completions by model name.
type modelServer struct {
	mu      sync.Mutex
	replies map[string]string
	calls   map[string]int
}

func (m *modelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.calls[req.Model]++
	reply, ok := m.replies[req.Model]
	m.mu.Unlock()
	if !ok {
		http.Error(w, "unknown model", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model": req.Model,
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": reply}},
		},
	})
}

func (m *modelServer) count(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[model]
}

// testEnv writes a registry pointing at a fake model server and a config
// using a fresh sqlite file.
func testEnv(t *testing.T, replies map[string]string) (configPath string, models *modelServer) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	models = &modelServer{replies: replies, calls: map[string]int{}}
	srv := httptest.NewServer(models)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	endpoint := func(name string) string {
		return fmt.Sprintf(`%q: {"provider": "ollama", "url": %q, "model": %q}`, name, srv.URL+"/v1", name)
	}
	registry := fmt.Sprintf(`{
  "capabilities": {
    "normalize": {"preferred": ["m-normalize"]},
    "decide": {"preferred": ["m-decide"]},
    "plan": {"preferred": ["m-plan"]},
    "respond": {"preferred": ["m-respond"]}
  },
  "endpoints": {%s, %s, %s, %s},
  "defaults": {"model": "m-respond"}
}`, endpoint("m-normalize"), endpoint("m-decide"), endpoint("m-plan"), endpoint("m-respond"))
	registryPath := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(registryPath, []byte(registry), 0644))

	configPath = filepath.Join(dir, "atelier.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
store:
  driver: sqlite
  path: %s
model:
  registry: %s
  timeout: 5s
log:
  level: error
`, filepath.Join(dir, "atelier.db"), registryPath)), 0644))
	return configPath, models
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "atelier version "+Version+" (build: "+BuildTime+")\n", out)
}

func TestRunCommand_EndToEnd(t *testing.T) {
	cfg, models := testEnv(t, map[string]string{
		"m-decide":  `{"action":"ACCEPT_AND_PLAN","reason":"in stock"}`,
		"m-plan":    `[{"title":"Sew hem","requiredSkills":["tailoring"],"estimatedMin":30,"suggestedWorkerId":"w-1"}]`,
		"m-respond": "Your hem is underway.",
	})

	out, err := execute(t, "--config", cfg, "seed", "testdata/seed.json")
	require.NoError(t, err)
	assert.Equal(t, "Seeded 1 customers, 2 inventory items, 3 workers, 2 requests\n", out)

	out, err = execute(t, "--config", cfg, "run", "req-1")
	require.NoError(t, err)

	var final workflow.WorkflowState
	require.NoError(t, json.Unmarshal([]byte(out), &final))
	require.NotNil(t, final.Decision)
	assert.Equal(t, workflow.ActionAcceptAndPlan, final.Decision.Action)
	assert.Equal(t, "Your hem is underway.", final.Response)
	assert.Len(t, final.TaskIDs, 1)
	assert.Equal(t, storage.RequestStatusInProgress, final.Request.Status)
	assert.Zero(t, models.count("m-normalize"))

	out, err = execute(t, "--config", cfg, "audit", "--request", "req-1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ACTION")
	assert.Contains(t, lines[1], "accept_and_plan")
	assert.Contains(t, lines[1], "AGENT")
}

func TestRunCommand_StreamSimulation(t *testing.T) {
	cfg, models := testEnv(t, map[string]string{
		"m-normalize": `{"type":"alteration","items":[{"sku":"SH-001","qty":2}]}`,
		"m-decide":    `{"action":"DELAY_REQUEST","reason":"queue is full"}`,
		"m-respond":   "We'll be in touch.",
	})
	_, err := execute(t, "--config", cfg, "seed", "testdata/seed.json")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "run", "req-2", "--stream", "--simulate",
		"--raw-input", "hi can you hem two shirts for friday")
	require.NoError(t, err)

	var stages []workflow.Stage
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var ev stageLine
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []workflow.Stage{
		workflow.StageObserve, workflow.StageOrient, workflow.StageDecide,
		workflow.StageAct, workflow.StageRespond,
	}, stages)
	assert.Equal(t, 1, models.count("m-normalize"))

	// Simulation leaves the store untouched, normalized payload included.
	store, err := sqlite.Open(context.Background(), storePath(t, cfg))
	require.NoError(t, err)
	defer store.Close()
	req, err := store.GetRequest(context.Background(), "req-2")
	require.NoError(t, err)
	assert.False(t, req.HasPayload())
	assert.Equal(t, storage.RequestStatusNew, req.Status)
}

func TestRunCommand_Errors(t *testing.T) {
	cfg, _ := testEnv(t, nil)

	_, err := execute(t, "--config", cfg, "run")
	assert.Error(t, err, "request id is required")

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "run", "req-1")
	assert.ErrorContains(t, err, "load config")

	_, err = execute(t, "--config", cfg, "--log-level", "loud", "run", "req-1")
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestSeed_StopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	defer store.Close()

	file := &seedFile{
		Customers: []storage.Customer{{ID: "c-1", Name: "A"}, {ID: "c-1", Name: "duplicate"}},
		Workers:   []storage.Worker{{ID: "w-1", Name: "never written"}},
	}
	counts, err := seed(ctx, store, file)
	assert.ErrorContains(t, err, `customer "duplicate"`)
	assert.Equal(t, seedCounts{Customers: 1}, counts)
}

func TestParseTimeFlag(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseTimeFlag("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseTimeFlag("2026-02-01T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC), got)

	got, err = parseTimeFlag("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), got)

	_, err = parseTimeFlag("last week", now)
	assert.Error(t, err)
}

func TestPrintAudit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printAudit(&buf, []storage.AuditRecord{{
		RequestID: "req-1",
		Actor:     "AGENT",
		Action:    "escalate_to_owner",
		Reason:    strings.Repeat("x", 100),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "2026-03-01T12:00:00Z"))
	assert.Contains(t, lines[1], "escalate_to_owner")
	assert.True(t, strings.HasSuffix(lines[1], strings.Repeat("x", 57)+"..."))
}

func storePath(t *testing.T, configPath string) string {
	t.Helper()
	return filepath.Join(filepath.Dir(configPath), "atelier.db")
}
