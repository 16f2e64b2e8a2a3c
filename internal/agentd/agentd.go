// Package agentd implements the HTTP daemon that fronts a single
// coding-agent adapter. One run executes at a time: the daemon builds
// the adapter's command sequence, drives it through an execution
// environment, then scrapes usage metrics and archives the run.
package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"phobos.org.uk/wharf/internal/adapter"
	"phobos.org.uk/wharf/internal/api"
	"phobos.org.uk/wharf/internal/config"
	"phobos.org.uk/wharf/internal/environment"
	"phobos.org.uk/wharf/internal/history"
	"phobos.org.uk/wharf/internal/logging"
	"phobos.org.uk/wharf/internal/usage"
)

// State represents the agent's current state
type State string

const (
	StateIdle       State = "idle"
	StateWorking    State = "working"
	StateCancelling State = "cancelling"
)

// RunState represents a run's state
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateWorking   RunState = "working"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Run represents one instruction handed to the wrapped CLI.
type Run struct {
	ID              string        `json:"run_id"`
	State           RunState      `json:"state"`
	Instruction     string        `json:"-"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	Output          string        `json:"output,omitempty"`
	Error           *RunError     `json:"error,omitempty"`
	Usage           *usage.Record `json:"usage,omitempty"`
	DurationSeconds float64       `json:"duration_seconds,omitempty"`

	cancel context.CancelFunc
}

// RunError represents an error during run execution
type RunError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RunRequest represents a run submission request
type RunRequest struct {
	Instruction    string            `json:"instruction"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // Caps the whole run
	Env            map[string]string `json:"env,omitempty"`             // Extra env overlaid on each command
}

// StatusResponse represents the /status response
type StatusResponse struct {
	Type          string          `json:"type"`
	Interfaces    []string        `json:"interfaces"`
	Version       string          `json:"version"`
	State         State           `json:"state"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	CurrentRun    *api.CurrentRun `json:"current_run"`
	Config        StatusConfig    `json:"config"`
}

// StatusConfig shows agent config in status
type StatusConfig struct {
	Port        int    `json:"port"`
	Adapter     string `json:"adapter"`
	Environment string `json:"environment"`
}

// Agent is the daemon fronting one adapter.
type Agent struct {
	config    *config.Config
	version   string
	startTime time.Time
	adapter   adapter.Adapter
	env       environment.Environment
	logsDir   string
	history   *history.Store
	log       *logging.Logger
	metrics   *Metrics

	mu         sync.RWMutex
	state      State
	currentRun *Run
	runs       map[string]*Run

	server   *http.Server
	shutdown chan struct{}
}

// New creates a new Agent
func New(cfg *config.Config, ad adapter.Adapter, env environment.Environment, version string) *Agent {
	logLevel := logging.Level(cfg.LogLevel)
	if lvl := os.Getenv("WHARF_LOG_LEVEL"); lvl != "" {
		logLevel = logging.Level(strings.ToLower(lvl))
	}
	log := logging.New(logging.Config{
		Output:     os.Stderr,
		Level:      logLevel,
		Component:  "agentd",
		MaxEntries: 1000,
	})

	logsDir := cfg.LogsDir
	if logsDir == "" {
		logsDir = adapter.DefaultLogsDir
	}

	// Initialize history store
	var historyStore *history.Store
	if cfg.HistoryDir != "" {
		var err error
		historyStore, err = history.NewStore(cfg.HistoryDir)
		if err != nil {
			log.Warn("failed to initialize history store", map[string]any{"error": err.Error()})
		}
	}

	return &Agent{
		config:    cfg,
		version:   version,
		startTime: time.Now(),
		adapter:   ad,
		env:       env,
		logsDir:   logsDir,
		history:   historyStore,
		log:       log,
		metrics:   NewMetrics(),
		state:     StateIdle,
		runs:      make(map[string]*Run),
		shutdown:  make(chan struct{}),
	}
}

// Router returns the HTTP router
func (a *Agent) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// /status stays open for health checks; everything else needs the
	// bearer token when one is configured.
	r.Get("/status", a.handleStatus)

	r.Group(func(r chi.Router) {
		if a.config.AuthTokenHash != "" {
			r.Use(a.requireAuth)
		}

		r.Post("/run", a.handleCreateRun)
		r.Get("/run/{id}", a.handleGetRun)
		r.Post("/run/{id}/cancel", a.handleCancelRun)
		r.Post("/shutdown", a.handleShutdown)

		// History endpoints
		r.Get("/history", a.handleListHistory)
		r.Get("/history/{id}", a.handleGetHistory)
		r.Get("/history/{id}/debug", a.handleGetHistoryDebug)

		// Logging endpoints
		r.Get("/logs", a.handleLogs)
		r.Get("/logs/stats", a.handleLogStats)

		// Prometheus metrics
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	})

	return r
}

// Setup provisions the adapter's CLI inside the environment.
func (a *Agent) Setup(ctx context.Context) error {
	a.log.Info("setting up adapter", map[string]any{
		"adapter":     a.adapter.Name(),
		"environment": a.env.Name(),
	})
	return a.adapter.Setup(ctx, a.env)
}

// Start starts the agent server
func (a *Agent) Start() error {
	addr := fmt.Sprintf(":%d", a.config.Port)
	a.server = &http.Server{
		Addr:    addr,
		Handler: a.Router(),
	}

	a.log.Info("agentd starting", map[string]any{
		"addr":        addr,
		"version":     a.version,
		"adapter":     a.adapter.Name(),
		"environment": a.env.Name(),
	})

	if a.config.TLS.Enabled {
		certFile, keyFile, err := a.ensureTLS()
		if err != nil {
			return err
		}
		a.server.TLSConfig = serverTLSConfig()
		return a.server.ListenAndServeTLS(certFile, keyFile)
	}
	return a.server.ListenAndServe()
}

// Shutdown gracefully shuts down the agent
func (a *Agent) Shutdown(ctx context.Context) error {
	close(a.shutdown)

	// Cancel any running run
	a.mu.Lock()
	if a.currentRun != nil && a.currentRun.cancel != nil {
		a.currentRun.cancel()
	}
	a.mu.Unlock()

	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

// handleStatus returns the agent's current state, version, uptime, and config.
// If a run is in flight, includes a preview of the current instruction.
func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	resp := StatusResponse{
		Type:          api.TypeAgent,
		Interfaces:    []string{api.InterfaceStatusable, api.InterfaceRunnable, api.InterfaceObservable},
		Version:       a.version,
		State:         a.state,
		UptimeSeconds: time.Since(a.startTime).Seconds(),
		Config: StatusConfig{
			Port:        a.config.Port,
			Adapter:     a.adapter.Name(),
			Environment: a.env.Name(),
		},
	}

	if a.currentRun != nil && a.currentRun.StartedAt != nil {
		preview := a.currentRun.Instruction
		if len(preview) > 50 {
			preview = preview[:50] + "..."
		}
		resp.CurrentRun = &api.CurrentRun{
			ID:                 a.currentRun.ID,
			StartedAt:          a.currentRun.StartedAt.Format(time.RFC3339),
			InstructionPreview: preview,
		}
	}

	api.WriteJSON(w, http.StatusOK, resp)
}

func setRunCompletion(run *Run, completedAt time.Time) {
	run.CompletedAt = &completedAt
	if run.StartedAt != nil {
		run.DurationSeconds = completedAt.Sub(*run.StartedAt).Seconds()
	}
}

// handleCreateRun validates and starts a new run.
// Returns 201 Created with run_id on success.
// Returns 400 if validation fails, 409 if agent is busy.
func (a *Agent) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, "Invalid JSON: "+err.Error())
		return
	}

	if req.Instruction == "" {
		api.WriteError(w, http.StatusBadRequest, api.ErrorValidation, "instruction is required")
		return
	}

	a.mu.Lock()
	if a.state != StateIdle {
		currentRunID := ""
		if a.currentRun != nil {
			currentRunID = a.currentRun.ID
		}
		a.mu.Unlock()
		api.WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       api.ErrorAgentBusy,
			"message":     fmt.Sprintf("Agent is currently processing %s", currentRunID),
			"current_run": currentRunID,
		})
		return
	}

	run := &Run{
		ID:          "run-" + uuid.New().String()[:8],
		State:       RunStateQueued,
		Instruction: req.Instruction,
	}

	a.runs[run.ID] = run
	a.currentRun = run
	a.state = StateWorking

	a.log.WithRun(run.ID).Info("run created", map[string]any{
		"adapter":            a.adapter.Name(),
		"instruction_length": len(req.Instruction),
	})

	runID := run.ID
	a.mu.Unlock()

	// Start run execution in background
	go a.executeRun(run, req)

	api.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"run_id": runID,
		"status": "working",
	})
}

// handleGetRun returns the status and output of a run by ID.
// Returns 404 if run not found.
func (a *Agent) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	a.mu.RLock()
	run, ok := a.runs[runID]
	var resp map[string]interface{}
	if ok {
		var exitCode *int
		if run.ExitCode != nil {
			code := *run.ExitCode
			exitCode = &code
		}
		var runUsage *usage.Record
		if run.Usage != nil {
			rec := *run.Usage
			runUsage = &rec
		}
		var runError *RunError
		if run.Error != nil {
			errCopy := *run.Error
			runError = &errCopy
		}

		resp = map[string]interface{}{
			"run_id":           run.ID,
			"state":            run.State,
			"exit_code":        exitCode,
			"output":           run.Output,
			"usage":            runUsage,
			"duration_seconds": run.DurationSeconds,
		}

		if run.StartedAt != nil {
			resp["started_at"] = run.StartedAt.Format(time.RFC3339)
		}
		if run.CompletedAt != nil {
			resp["completed_at"] = run.CompletedAt.Format(time.RFC3339)
		}
		if runError != nil {
			resp["error"] = runError
		}
	}
	a.mu.RUnlock()

	if ok {
		api.WriteJSON(w, http.StatusOK, resp)
		return
	}

	if a.history != nil {
		if entry, err := a.history.Get(runID); err == nil {
			api.WriteJSON(w, http.StatusOK, entry)
			return
		}
	}

	api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, fmt.Sprintf("Run %s not found", runID))
}

// handleCancelRun cancels an in-flight run by ID.
// Triggers context cancellation, which stops the environment exec.
// Returns 404 if not found, 409 if already completed.
func (a *Agent) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	a.mu.Lock()
	run, ok := a.runs[runID]
	if !ok {
		a.mu.Unlock()
		api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, fmt.Sprintf("Run %s not found", runID))
		return
	}

	if run.State == RunStateCompleted || run.State == RunStateFailed || run.State == RunStateCancelled {
		a.mu.Unlock()
		api.WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       api.ErrorAlreadyCompleted,
			"message":     fmt.Sprintf("Run %s has already completed", runID),
			"final_state": run.State,
		})
		return
	}

	run.State = RunStateCancelled
	if run.cancel != nil {
		run.cancel()
	}
	a.mu.Unlock()

	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"state":   RunStateCancelled,
		"message": "Run cancellation initiated",
	})
}

// handleShutdown initiates graceful agent shutdown.
// If force=false and a run is in flight, returns 409.
// If force=true, cancels the running run and shuts down.
func (a *Agent) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutSeconds int  `json:"timeout_seconds"`
		Force          bool `json:"force"`
	}
	req.TimeoutSeconds = 30

	// Ignore decode errors - defaults (TimeoutSeconds=30, Force=false) are safe
	_ = json.NewDecoder(r.Body).Decode(&req)

	a.mu.RLock()
	hasRun := a.currentRun != nil && a.state == StateWorking
	runID := ""
	if a.currentRun != nil {
		runID = a.currentRun.ID
	}
	a.mu.RUnlock()

	if hasRun && !req.Force {
		api.WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   api.ErrorRunInProgress,
			"message": fmt.Sprintf("Run %s is in flight. Use force=true to terminate.", runID),
			"run_id":  runID,
		})
		return
	}

	api.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":       "Shutdown initiated",
		"drain_timeout": req.TimeoutSeconds,
	})

	// Trigger shutdown in background
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	}()
}

// executeRun drives the adapter's command sequence through the
// environment and scrapes usage afterwards.
//
// The function:
//  1. Creates a cancellable context (plus an overall deadline if requested)
//  2. Executes each adapter command in order, capturing per-command output
//  3. Handles three termination cases: success, timeout, or cancellation
//  4. Extracts usage metrics from the captured logs
//  5. Updates run state and clears the agent's current run when done
func (a *Agent) executeRun(run *Run, req RunRequest) {
	runLog := a.log.WithRun(run.ID)

	a.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	if req.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(req.TimeoutSeconds)*time.Second)
	}
	run.cancel = cancel
	now := time.Now()
	run.StartedAt = &now
	run.State = RunStateWorking
	a.mu.Unlock()

	defer cancel()

	commands := a.adapter.RunCommands(run.Instruction)
	runLog.Info("run started", map[string]any{
		"commands": len(commands),
		"adapter":  a.adapter.Name(),
	})

	var outputs []string
	var mainExit *int
	var runErr *RunError

	for i, cmd := range commands {
		// Request-level env overlays the adapter's own variables.
		if len(req.Env) > 0 {
			merged := make(map[string]string, len(cmd.Env)+len(req.Env))
			for k, v := range cmd.Env {
				merged[k] = v
			}
			for k, v := range req.Env {
				merged[k] = v
			}
			cmd.Env = merged
		}

		result, err := a.env.Run(ctx, cmd)
		a.saveCommandCapture(i, result, runLog)

		if ctx.Err() == context.Canceled {
			break
		}
		if ctx.Err() == context.DeadlineExceeded {
			runErr = &RunError{
				Type:    "timeout",
				Message: fmt.Sprintf("Run exceeded timeout of %ds", req.TimeoutSeconds),
			}
			break
		}
		if err != nil {
			runErr = &RunError{Type: "environment_error", Message: err.Error()}
			break
		}

		outputs = append(outputs, result.Stdout)

		// The main CLI invocation is the one with a harness-side deadline.
		if cmd.Timeout > 0 {
			code := result.ExitCode
			mainExit = &code
			if result.TimedOut {
				runLog.Warn("command timed out inside the environment", map[string]any{
					"command_index": i,
					"exit_code":     result.ExitCode,
				})
			}
		}
	}

	completedAt := time.Now()
	rec := a.adapter.ExtractUsage()

	a.mu.Lock()
	setRunCompletion(run, completedAt)
	run.Output = strings.Join(outputs, "")
	run.ExitCode = mainExit
	run.Usage = &rec

	switch {
	case run.State == RunStateCancelled:
		if run.Error == nil {
			run.Error = &RunError{Type: "cancelled", Message: "Run cancelled"}
		}
	case runErr != nil:
		run.State = RunStateFailed
		run.Error = runErr
		if run.ExitCode == nil {
			exitCode := 1
			run.ExitCode = &exitCode
		}
	default:
		run.State = RunStateCompleted
	}
	finalState := run.State
	duration := run.DurationSeconds
	a.mu.Unlock()

	a.metrics.ObserveRun(string(finalState), rec, duration)

	runLog.Info("run finished", map[string]any{
		"state":            string(finalState),
		"duration_seconds": duration,
		"input_tokens":     rec.InputTokens,
		"output_tokens":    rec.OutputTokens,
		"cost_usd":         rec.CostUSD,
		"success":          rec.Success,
	})

	a.saveRunHistory(run)
	a.cleanupRun(run)
}

// saveCommandCapture writes a per-command stdout capture under the logs
// directory. For docker environments this directory is expected to be a
// bind mount shared with the container. Failures are logged, not fatal.
func (a *Agent) saveCommandCapture(index int, result environment.ExecResult, runLog *logging.RunLogger) {
	dir := filepath.Join(a.logsDir, fmt.Sprintf("command-%d", index))
	if err := os.MkdirAll(dir, 0755); err != nil {
		runLog.Warn("failed to create command capture directory", map[string]any{"error": err.Error()})
		return
	}
	content := result.Stdout
	if result.Stderr != "" {
		content += result.Stderr
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout.txt"), []byte(content), 0644); err != nil {
		runLog.Warn("failed to write command capture", map[string]any{"error": err.Error()})
	}
}

// saveRunHistory saves a completed run to the history store.
func (a *Agent) saveRunHistory(run *Run) {
	if a.history == nil {
		return
	}

	entry := &history.Entry{
		RunID:           run.ID,
		Adapter:         a.adapter.Name(),
		State:           string(run.State),
		Instruction:     run.Instruction,
		Model:           modelFromUsage(run.Usage),
		Output:          run.Output,
		DurationSeconds: run.DurationSeconds,
		ExitCode:        run.ExitCode,
		Usage:           run.Usage,
		Steps:           history.ExtractSteps([]byte(run.Output)),
	}

	if run.StartedAt != nil {
		entry.StartedAt = *run.StartedAt
	}
	if run.CompletedAt != nil {
		entry.CompletedAt = *run.CompletedAt
	}
	if run.Error != nil {
		entry.Error = &history.EntryError{
			Type:    run.Error.Type,
			Message: run.Error.Message,
		}
	}

	if err := a.history.Save(entry); err != nil {
		a.log.WithRun(run.ID).Warn("failed to save run history", map[string]any{
			"error": err.Error(),
		})
	}

	// Save debug log (raw captured output)
	if len(run.Output) > 0 {
		if err := a.history.SaveDebugLog(run.ID, []byte(run.Output)); err != nil {
			a.log.WithRun(run.ID).Warn("failed to save debug log", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

// modelFromUsage pulls the resolved model name out of usage metadata.
func modelFromUsage(rec *usage.Record) string {
	if rec == nil || rec.Metadata == nil {
		return ""
	}
	for _, key := range []string{"model", "droid_model"} {
		if v, ok := rec.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (a *Agent) cleanupRun(run *Run) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Note: we intentionally keep completed runs in the map so they can be queried
	if a.currentRun != nil && a.currentRun.ID == run.ID {
		a.currentRun = nil
	}
	a.state = StateIdle
}

// handleListHistory returns paginated run history.
func (a *Agent) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "history_unavailable", "History storage not configured")
		return
	}

	// Parse pagination params
	page := 1
	limit := 20
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	result := a.history.List(history.ListOptions{
		Page:  page,
		Limit: limit,
	})

	api.WriteJSON(w, http.StatusOK, result)
}

// handleGetHistory returns a single history entry with outline.
func (a *Agent) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "history_unavailable", "History storage not configured")
		return
	}

	runID := chi.URLParam(r, "id")
	entry, err := a.history.Get(runID)
	if err != nil {
		api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, err.Error())
		return
	}

	api.WriteJSON(w, http.StatusOK, entry)
}

// handleGetHistoryDebug returns the full debug log for a run.
func (a *Agent) handleGetHistoryDebug(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "history_unavailable", "History storage not configured")
		return
	}

	runID := chi.URLParam(r, "id")
	debugLog, err := a.history.GetDebugLog(runID)
	if err != nil {
		api.WriteError(w, http.StatusNotFound, api.ErrorNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(debugLog)
}

// handleLogs returns log entries with optional filtering.
// Query params:
//   - level: minimum log level (debug, info, warn, error)
//   - run_id: filter by run ID
//   - since: RFC3339 timestamp to filter entries after
//   - until: RFC3339 timestamp to filter entries before
//   - limit: max entries to return (default 100)
func (a *Agent) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := logging.Query{
		Limit: 100, // Default limit
	}

	if level := r.URL.Query().Get("level"); level != "" {
		q.Level = logging.Level(level)
	}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		q.RunID = runID
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = t
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			q.Until = t
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if v, err := strconv.Atoi(limit); err == nil && v > 0 {
			q.Limit = v
		}
	}

	result := a.log.Query(q)
	api.WriteJSON(w, http.StatusOK, result)
}

// handleLogStats returns log statistics without entries.
func (a *Agent) handleLogStats(w http.ResponseWriter, r *http.Request) {
	stats := a.log.Stats()
	api.WriteJSON(w, http.StatusOK, stats)
}
