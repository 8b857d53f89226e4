// Package recipe validates the YAML tool-recipe documents attached to
// a work item. Parsing itself is out of the core's scope per the
// platform contract — agents execute recipes — but validating the
// shape before it is stored is not, and the original set_tool_recipe
// implementation enforces exactly the rules below (a required tools
// list, each with name/version, and an optional steps list with
// run/env/timeout/cwd validation), which this package reproduces.
package recipe

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/orchestrator/controlplane/internal/domain"
)

type document struct {
	Tools []tool  `yaml:"tools"`
	Steps []step  `yaml:"steps"`
}

type tool struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type step struct {
	Run     string            `yaml:"run"`
	Env     map[string]string `yaml:"env"`
	Timeout int               `yaml:"timeout"`
	Cwd     string            `yaml:"cwd"`
}

// Validate parses raw as a tool recipe and returns the opaque,
// validated value the core stores. Validation failures are reported
// in the returned ToolRecipe's Status/Error fields rather than as a Go
// error — an invalid recipe is a legitimate, storable state, not an
// exceptional one.
func Validate(raw string) domain.ToolRecipe {
	var doc document
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.ToolRecipe{Raw: raw, Status: "invalid", Error: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if len(doc.Tools) == 0 {
		return domain.ToolRecipe{Raw: raw, Status: "invalid", Error: "tools: at least one tool is required"}
	}
	for i, t := range doc.Tools {
		if t.Name == "" {
			return domain.ToolRecipe{Raw: raw, Status: "invalid", Error: fmt.Sprintf("tools[%d].name: required", i)}
		}
		if t.Version == "" {
			return domain.ToolRecipe{Raw: raw, Status: "invalid", Error: fmt.Sprintf("tools[%d].version: required", i)}
		}
	}
	for i, s := range doc.Steps {
		if s.Run == "" {
			return domain.ToolRecipe{Raw: raw, Status: "invalid", Error: fmt.Sprintf("steps[%d].run: required", i)}
		}
		if s.Timeout < 0 {
			return domain.ToolRecipe{Raw: raw, Status: "invalid", Error: fmt.Sprintf("steps[%d].timeout: must be non-negative", i)}
		}
	}
	return domain.ToolRecipe{Raw: raw, Status: "valid"}
}
