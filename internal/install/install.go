// Package install renders the shell scripts that provision agent CLIs
// inside an execution environment.
package install

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.sh.tmpl
var templateFS embed.FS

// Script names understood by Render.
const (
	ScriptDroid = "factory_droid"
	ScriptPi    = "pi_mono"
)

// Render produces the install script for the named agent CLI. Vars are
// substituted into the template; the set of variables each script expects
// is up to the template itself.
func Render(name string, vars map[string]string) (string, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/"+name+".sh.tmpl")
	if err != nil {
		return "", fmt.Errorf("loading install template %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("rendering install template %q: %w", name, err)
	}
	return buf.String(), nil
}
