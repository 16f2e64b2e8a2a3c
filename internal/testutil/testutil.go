// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// AllocateTestPort returns a deterministic port based on test name
func AllocateTestPort(t *testing.T) int {
	t.Helper()
	return AllocateTestPortN(t, 0)
}

// AllocateTestPortN returns a deterministic port based on test name and index.
// Use different index values to get multiple unique ports within the same test.
func AllocateTestPortN(t *testing.T, n int) int {
	t.Helper()
	h := fnv.New32a()
	h.Write([]byte(t.Name()))
	h.Write([]byte{byte(n)})
	return 10000 + int(h.Sum32()%10000)
}

// WaitForHealthy waits for a URL to return 200 OK
func WaitForHealthy(t *testing.T, url string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Service at %s did not become healthy within %v", url, timeout)
}

// Eventually retries a condition until it returns true or timeout expires
func Eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Condition did not become true within timeout")
}

// WriteFakeCLI writes an executable shell script named after the CLI
// into a fresh temp directory and returns that directory for PATH
// prepending. The script body receives the shebang automatically.
func WriteFakeCLI(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0755); err != nil {
		t.Fatalf("writing fake %s: %v", name, err)
	}
	return dir
}

// FakeDroidScript simulates the Factory Droid CLI: it echoes the final
// argument (the instruction) and prints a completion line.
func FakeDroidScript() string {
	return `for last; do :; done
echo "Droid received: $last"
echo "Task finished."`
}

// FakePiTranscript returns a streaming JSON transcript line in the shape
// pi-coding-agent emits in json mode.
func FakePiTranscript(inputTokens, outputTokens int, cost float64) string {
	return fmt.Sprintf(`{"type":"message_end","message":{"role":"assistant","content":"done","usage":{"input":%d,"output":%d,"cacheRead":0,"cacheWrite":0,"cost":%g}}}`,
		inputTokens, outputTokens, cost)
}

// FakePiScript simulates the pi CLI in json mode: it streams a couple of
// transcript events on stdout regardless of arguments.
func FakePiScript(transcript string) string {
	return fmt.Sprintf(`cat <<'EOF'
%s
EOF`, transcript)
}
