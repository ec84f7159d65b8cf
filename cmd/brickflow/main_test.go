package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/polisai/brickflow/pkg/config"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMod = `
id: greeter
apiVersion: v2
components:
  - id: greet
    steps:
      - id: echo
        config:
          message: {__type__: template, __value__: "hello {{ @input.name }}"}
  - id: broken
    steps:
      - id: core/http-get
        config:
          url: "not a url"
`

func writeMods(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.yaml"), []byte(testMod), 0o600))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseInitial(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected domain.InitialContext
		wantErr  bool
	}{
		{name: "empty", raw: ""},
		{
			name:     "bare input",
			raw:      `{"name": "ada"}`,
			expected: domain.InitialContext{Input: map[string]any{"name": "ada"}},
		},
		{
			name: "full context",
			raw:  `{"input": {"name": "ada"}, "optionsArgs": {"limit": 2}}`,
			expected: domain.InitialContext{
				Input:       map[string]any{"name": "ada"},
				OptionsArgs: map[string]any{"limit": float64(2)},
			},
		},
		{name: "invalid", raw: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial, err := parseInitial(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, initial)
		})
	}
}

func TestValidateCommandListsPipelines(t *testing.T) {
	out, err := execute(t, "validate", "--mods", writeMods(t))
	require.NoError(t, err)
	assert.Contains(t, out, "greet\tv0\t1 steps")
	assert.Contains(t, out, "broken\tv0\t1 steps")
}

func TestValidateCommandRequiresMods(t *testing.T) {
	_, err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no mods configured")
}

func TestBricksCommandPrintsCatalog(t *testing.T) {
	out, err := execute(t, "bricks")
	require.NoError(t, err)

	var catalog []struct {
		ID    string         `json:"id"`
		Input map[string]any `json:"input"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &catalog))
	ids := make([]string, 0, len(catalog))
	for _, b := range catalog {
		ids = append(ids, b.ID)
		assert.Equal(t, "object", b.Input["type"], b.ID)
	}
	assert.Contains(t, ids, "core/echo")
	assert.Contains(t, ids, "core/for-each")
}

func TestRunCommandPrintsOutcome(t *testing.T) {
	out, err := execute(t, "run", "--mods", writeMods(t), "--component", "greet", "--input", `{"name": "ada"}`)
	require.NoError(t, err)

	var outcome domain.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, domain.RunCompleted, outcome.State)
	assert.Equal(t, "hello ada", outcome.Value)
}

func TestRunCommandFailsOnFailedRun(t *testing.T) {
	out, err := execute(t, "run", "--mods", writeMods(t), "--component", "broken")
	require.Error(t, err)

	var outcome domain.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, domain.RunFailed, outcome.State)
	assert.Equal(t, domain.KindValidation, outcome.Failure.Kind)
}

func TestSimulateCommand(t *testing.T) {
	out, err := execute(t, "simulate", "--mods", writeMods(t), "--component", "greet", "--input", `{"name": "bo"}`)
	require.NoError(t, err)

	var resp engine.SimulationResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "greet", resp.PipelineID)
	assert.Equal(t, "hello bo", resp.Outcome.Value)
	require.Len(t, resp.Trace, 1)
	assert.Equal(t, domain.StepBound, resp.Trace[0].State)
}

func TestActivationHandler(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Dir = writeMods(t)
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()
	require.NoError(t, a.loadPipelines(context.Background()))

	mux := http.NewServeMux()
	mux.Handle("POST "+ActivatePath, activationHandler(a, engine.NewEngine(a.engineCfg)))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	post := func(component, body string) (*http.Response, domain.Outcome) {
		resp, err := http.Post(srv.URL+"/v1/components/"+component+"/run", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		var outcome domain.Outcome
		_ = json.NewDecoder(resp.Body).Decode(&outcome)
		return resp, outcome
	}

	resp, outcome := post("greet", `{"initial": {"input": {"name": "cy"}}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello cy", outcome.Value)

	resp, outcome = post("broken", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.RunFailed, outcome.State)

	resp, _ = post("missing", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post("greet", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, 499, statusFor(domain.Outcome{State: domain.RunAborted}))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(domain.Outcome{State: domain.RunFailed, Failure: &domain.Failure{Kind: domain.KindBusiness}}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(domain.Outcome{State: domain.RunFailed, Failure: &domain.Failure{Kind: domain.KindInternal}}))
}
