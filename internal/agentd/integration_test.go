//go:build integration

package agentd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"phobos.org.uk/wharf/internal/adapter"
	"phobos.org.uk/wharf/internal/config"
	"phobos.org.uk/wharf/internal/environment"
	"phobos.org.uk/wharf/internal/testutil"
	"phobos.org.uk/wharf/internal/tlsutil"
)

func TestIntegrationPiRunFlow(t *testing.T) {
	// Fake pi CLI streaming a json-mode transcript
	transcript := testutil.FakePiTranscript(250, 80, 0.04)
	binDir := testutil.WriteFakeCLI(t, "pi", testutil.FakePiScript(transcript))
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))

	logsDir := t.TempDir()
	pi, err := adapter.NewPi(adapter.PiOptions{
		ModelRef: "anthropic/claude-sonnet",
		Timeout:  30 * time.Second,
		WorkDir:  t.TempDir(),
		LogsDir:  logsDir,
	})
	require.NoError(t, err)

	port := testutil.AllocateTestPort(t)
	cfg := config.Default()
	cfg.Port = port
	cfg.LogLevel = "debug"
	cfg.HistoryDir = t.TempDir()
	cfg.LogsDir = logsDir

	agent := New(cfg, pi, environment.NewLocal(), "test-version")
	agentURL := fmt.Sprintf("http://localhost:%d", port)

	go agent.Start()
	testutil.WaitForHealthy(t, agentURL+"/status", 10*time.Second)

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		agent.Shutdown(ctx)
	}()

	e := httpexpect.Default(t, agentURL)

	e.GET("/status").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("state", "idle").
		HasValue("version", "test-version").
		ContainsKey("uptime_seconds")

	resp := e.POST("/run").
		WithJSON(map[string]interface{}{
			"instruction": "add a README",
		}).
		Expect().
		Status(http.StatusCreated).
		JSON().Object()

	runID := resp.Value("run_id").String().Raw()

	testutil.Eventually(t, 15*time.Second, func() bool {
		runResp := e.GET("/run/{id}", runID).Expect().Status(http.StatusOK).JSON().Object()
		return runResp.Value("state").String().Raw() == "completed"
	})

	// Usage extracted from the transcript
	runResp := e.GET("/run/{id}", runID).Expect().Status(http.StatusOK).JSON().Object()
	usage := runResp.Value("usage").Object()
	usage.HasValue("input_tokens", 250)
	usage.HasValue("output_tokens", 80)
	usage.HasValue("success", true)

	// Run is archived
	e.GET("/history/{id}", runID).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("state", "completed").
		HasValue("adapter", "pi-mono")

	// Metrics reflect the completed run
	metrics := e.GET("/metrics").Expect().Status(http.StatusOK).Body().Raw()
	require.Contains(t, metrics, `wharf_runs_total{state="completed"} 1`)
}

func TestIntegrationRunCancellation(t *testing.T) {
	binDir := testutil.WriteFakeCLI(t, "pi", "sleep 60")
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))

	logsDir := t.TempDir()
	pi, err := adapter.NewPi(adapter.PiOptions{
		Provider: "openai",
		ModelRef: "gpt-4o",
		Timeout:  120 * time.Second,
		WorkDir:  t.TempDir(),
		LogsDir:  logsDir,
	})
	require.NoError(t, err)

	port := testutil.AllocateTestPort(t)
	cfg := config.Default()
	cfg.Port = port
	cfg.LogLevel = "debug"
	cfg.HistoryDir = t.TempDir()
	cfg.LogsDir = logsDir

	agent := New(cfg, pi, environment.NewLocal(), "test")
	agentURL := fmt.Sprintf("http://localhost:%d", port)

	go agent.Start()
	testutil.WaitForHealthy(t, agentURL+"/status", 10*time.Second)

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		agent.Shutdown(ctx)
	}()

	e := httpexpect.Default(t, agentURL)

	resp := e.POST("/run").
		WithJSON(map[string]interface{}{
			"instruction": "slow run",
		}).
		Expect().
		Status(http.StatusCreated).
		JSON().Object()

	runID := resp.Value("run_id").String().Raw()

	testutil.Eventually(t, 5*time.Second, func() bool {
		statusResp := e.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
		return statusResp.Value("state").String().Raw() == "working"
	})

	e.POST("/run/{id}/cancel", runID).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("state", "cancelled")

	testutil.Eventually(t, 15*time.Second, func() bool {
		statusResp := e.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
		return statusResp.Value("state").String().Raw() == "idle"
	})
}

func TestIntegrationTLSWithSelfSignedCert(t *testing.T) {
	binDir := testutil.WriteFakeCLI(t, "droid", testutil.FakeDroidScript())
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))
	t.Setenv("WHARF_ROOT", t.TempDir())

	logsDir := t.TempDir()
	droid, err := adapter.NewDroid(adapter.DroidOptions{
		Timeout: 30 * time.Second,
		WorkDir: t.TempDir(),
		LogsDir: logsDir,
	})
	require.NoError(t, err)

	port := testutil.AllocateTestPort(t)
	cfg := config.Default()
	cfg.Port = port
	cfg.HistoryDir = t.TempDir()
	cfg.LogsDir = logsDir
	cfg.TLS.Enabled = true

	agent := New(cfg, droid, environment.NewLocal(), "test")
	agentURL := fmt.Sprintf("https://localhost:%d", port)

	go agent.Start()

	// The loopback-aware client accepts the generated self-signed cert.
	client := tlsutil.NewHTTPClient(5 * time.Second)
	testutil.Eventually(t, 10*time.Second, func() bool {
		resp, err := client.Get(agentURL + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		agent.Shutdown(ctx)
	}()

	e := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  agentURL,
		Client:   client,
		Reporter: httpexpect.NewAssertReporter(t),
	})

	e.GET("/status").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("state", "idle")
}
