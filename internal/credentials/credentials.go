// Package credentials uploads agent CLI credential files from the host
// into an execution environment. Uploads are best-effort: missing files
// and individual failures are logged and skipped so an agent without
// pre-provisioned credentials can still attempt a run.
package credentials

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"phobos.org.uk/wharf/internal/environment"
	"phobos.org.uk/wharf/internal/logging"
)

// EssentialFiles are uploaded in order of importance when present.
var EssentialFiles = []string{"auth.json", "settings.json", "config.json"}

// substitutedVars are the placeholders expanded in config.json before
// upload, so custom model entries resolve inside the environment.
var substitutedVars = []string{"OPENAI_API_KEY", "OLLAMA_API_KEY"}

// Uploader copies credential files from a host directory into an
// execution environment.
type Uploader struct {
	SourceDir string            // host directory holding credential files
	TargetDir string            // directory inside the environment
	Environ   map[string]string // host environment for placeholder values
	Log       *logging.Logger
}

// Upload copies each essential file that exists under SourceDir to
// TargetDir inside the environment and returns how many were uploaded.
// A missing source directory yields zero with a warning, not an error.
func (u *Uploader) Upload(ctx context.Context, env environment.Environment) int {
	log := u.Log
	if log == nil {
		log = logging.New(logging.Config{Component: "credentials"})
	}

	if _, err := os.Stat(u.SourceDir); err != nil {
		log.Warn("credentials directory not found, agent may require manual authentication", map[string]any{
			"dir": u.SourceDir,
		})
		return 0
	}

	uploaded := 0
	for _, filename := range EssentialFiles {
		sourcePath := filepath.Join(u.SourceDir, filename)
		if _, err := os.Stat(sourcePath); err != nil {
			log.Debug("credential file not found, skipping", map[string]any{"file": filename})
			continue
		}

		if filename == "config.json" {
			patched, cleanup, err := u.patchConfig(sourcePath)
			if err != nil {
				log.Warn("failed to patch config.json with env keys, uploading as-is", map[string]any{
					"error": err.Error(),
				})
			} else {
				sourcePath = patched
				defer cleanup()
			}
		}

		targetPath := path.Join(u.TargetDir, filename)
		if err := env.UploadFile(ctx, sourcePath, targetPath); err != nil {
			log.Error("failed to upload credential file", map[string]any{
				"file":  filename,
				"error": err.Error(),
			})
			continue
		}
		log.Info("uploaded credential file", map[string]any{"file": filename})
		uploaded++
	}

	if uploaded == 0 {
		log.Warn("no credential files uploaded, agent may require manual authentication")
	}
	return uploaded
}

// patchConfig writes a copy of config.json with ${VAR} placeholders
// replaced by values from the host environment snapshot.
func (u *Uploader) patchConfig(sourcePath string) (string, func(), error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", nil, fmt.Errorf("reading config: %w", err)
	}

	content := string(data)
	for _, key := range substitutedVars {
		if v, ok := u.Environ[key]; ok && v != "" {
			content = strings.ReplaceAll(content, "${"+key+"}", v)
		}
	}

	tmp, err := os.CreateTemp("", "wharf-config-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp config: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("closing temp config: %w", err)
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}
