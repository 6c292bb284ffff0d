package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/memory"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/migration"
)

func writeConfig(t *testing.T, withRules bool) string {
	t.Helper()
	abs := func(name string) string {
		p, err := filepath.Abs(filepath.Join("testdata", name))
		require.NoError(t, err)
		return p
	}
	cfg := `env: test
log_level: error
source:
  type: memory
  fixture: "` + abs("source.json") + `"
target:
  type: memory
  fixture: "` + abs("target.json") + `"
id_map:
  backend: memory
migration:
  batch_size: 2
models:
  - model: item
    allow_references: true
  - model: category
    allow_references: true
`
	if withRules {
		cfg += `rules_path: "` + abs("rules.yaml") + `"` + "\n"
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("test")
	for _, name := range []string{"run", "plan", "inspect", "seed"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("test")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "config.yaml", configFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	for _, name := range []string{"models", "dry-run", "verify-targets", "from-offset"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
}

func TestParseOffsets(t *testing.T) {
	got, err := parseOffsets([]string{"product.template=4200", "res.partner=0"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"product.template": 4200, "res.partner": 0}, got)

	for _, bad := range []string{"product.template", "=5", "item=-1", "item=x"} {
		_, err := parseOffsets([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestExitCodes(t *testing.T) {
	_, err := execute(t, "plan", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "plan", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "run", "--config", writeConfig(t, false), "--from-offset", "item")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "run", "--config", writeConfig(t, false), "--models", "invoice")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	assert.Equal(t, ExitSuccess, GetExitCode(nil))
}

func TestRunCommand(t *testing.T) {
	out, err := execute(t, "run", "--config", writeConfig(t, false), "--format", "json")
	require.NoError(t, err)

	var report migration.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []string{"category", "item"}, report.Order)
	assert.False(t, report.DryRun)

	created := map[string]int{}
	for _, m := range report.Models {
		created[m.Model] = m.Created
	}
	assert.Equal(t, map[string]int{"category": 2, "item": 3}, created)
}

func TestRunCommand_DryRunText(t *testing.T) {
	out, err := execute(t, "run", "--config", writeConfig(t, false), "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "(dry run: nothing written)")
	assert.Contains(t, out, "TOTAL")
}

func TestPlanCommand(t *testing.T) {
	out, err := execute(t, "plan", "--config", writeConfig(t, false))
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[1], "1  category"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "2  item"), lines[2])
	assert.Contains(t, lines[2], "category")
	assert.Contains(t, out, "Self references (resolved after their model):\n  category.parent_id\n")
	assert.NotContains(t, out, "Cycles:")
}

func TestInspectCommand(t *testing.T) {
	out, err := execute(t, "inspect", "--config", writeConfig(t, false), "--models", "item")
	require.NoError(t, err)
	assert.Contains(t, out, "item\n  no differences\n")
	assert.Contains(t, out, "source references: category_id -> category")
}

func TestSeedCommand(t *testing.T) {
	out, err := execute(t, "seed", "--config", writeConfig(t, true))
	require.NoError(t, err)
	assert.Contains(t, out, "SEED MODEL")
	assert.Contains(t, out, "category")

	out, err = execute(t, "seed", "--config", writeConfig(t, false))
	require.NoError(t, err)
	assert.Equal(t, "No seeds configured.\n", out)
}

// sqliteConfig is writeConfig with a sqlite identifier map, which outlives a
// single command.
func sqliteConfig(t *testing.T) string {
	t.Helper()
	path := writeConfig(t, false)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	dbPath := filepath.Join(t.TempDir(), "idmap.db")
	cfg := strings.Replace(string(data), "backend: memory", "backend: sqlite\n  path: \""+dbPath+"\"", 1)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func TestInspectCommand_MappingsAfterVerifiedRerun(t *testing.T) {
	cfgPath := sqliteConfig(t)

	_, err := execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)

	// Each command loads the target fixture afresh, so the records mapped by
	// the first run are gone and get created again.
	out, err := execute(t, "run", "--config", cfgPath, "--verify-targets", "--format", "json")
	require.NoError(t, err)
	var report migration.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	superseded := map[string]int{}
	for _, m := range report.Models {
		superseded[m.Model] = m.Superseded
	}
	assert.Equal(t, map[string]int{"category": 2, "item": 3}, superseded)

	out, err = execute(t, "inspect", "--config", cfgPath, "--mappings", "--format", "json")
	require.NoError(t, err)
	var summaries []migration.MappingSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "item", summaries[0].Model)
	assert.Equal(t, 3, summaries[0].Live)
	assert.Equal(t, 3, summaries[0].Superseded)
	assert.Equal(t, "category", summaries[1].Model)
	assert.Equal(t, 2, summaries[1].Live)
	assert.Equal(t, 2, summaries[1].Superseded)
	assert.NotEmpty(t, summaries[1].LastRunID)

	out, err = execute(t, "inspect", "--config", cfgPath, "--mappings", "--models", "category")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")
	assert.Contains(t, out, "SUPERSEDED")
	assert.NotContains(t, out, "item")
}
