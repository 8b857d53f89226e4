package recipe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate_AcceptsMinimalRecipe(t *testing.T) {
	got := Validate("tools:\n  - name: git\n    version: \"2.40\"\n")
	require.Equal(t, "valid", got.Status)
	require.Empty(t, got.Error)
}

func TestValidate_RejectsMalformedYAML(t *testing.T) {
	got := Validate("tools: [")
	require.Equal(t, "invalid", got.Status)
	require.Contains(t, got.Error, "invalid yaml")
}

func TestValidate_RequiresAtLeastOneTool(t *testing.T) {
	got := Validate("tools: []\n")
	require.Equal(t, "invalid", got.Status)
	require.Contains(t, got.Error, "at least one tool")
}

func TestValidate_RequiresToolNameAndVersion(t *testing.T) {
	got := Validate("tools:\n  - version: \"1.0\"\n")
	require.Equal(t, "invalid", got.Status)
	require.Contains(t, got.Error, "tools[0].name")

	got = Validate("tools:\n  - name: git\n")
	require.Equal(t, "invalid", got.Status)
	require.Contains(t, got.Error, "tools[0].version")
}

func TestValidate_StepsRequireRunAndNonNegativeTimeout(t *testing.T) {
	got := Validate("tools:\n  - name: git\n    version: \"1\"\nsteps:\n  - env: {}\n")
	require.Equal(t, "invalid", got.Status)
	require.Contains(t, got.Error, "steps[0].run")

	got = Validate("tools:\n  - name: git\n    version: \"1\"\nsteps:\n  - run: echo hi\n    timeout: -1\n")
	require.Equal(t, "invalid", got.Status)
	require.Contains(t, got.Error, "steps[0].timeout")

	got = Validate("tools:\n  - name: git\n    version: \"1\"\nsteps:\n  - run: echo hi\n    timeout: 30\n")
	require.Equal(t, "valid", got.Status)
}
