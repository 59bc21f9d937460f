package matrix

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlinbuild/builder/internal/models"
)

func names(targets []models.Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Manufacturer+"/"+t.Printer)
	}
	return out
}

func TestNewOrdersCaseInsensitively(t *testing.T) {
	m := New(map[string]map[string]map[string]string{
		"zortrax": {"M200": {}},
		"Anet":    {"a8": {}, "A6": {}, "E10": {}},
		"creality": {
			"Ender-3": {"env": "sanguino1284p"},
			"cr-10":   {},
		},
	})

	assert.Equal(t, []string{
		"Anet/A6", "Anet/a8", "Anet/E10",
		"creality/cr-10", "creality/Ender-3",
		"zortrax/M200",
	}, names(m.Targets()))
	assert.Equal(t, 6, m.Len())

	// defaults applied from the overlay constructor
	for _, tgt := range m.Targets() {
		if tgt.Printer == "Ender-3" {
			assert.Equal(t, "sanguino1284p", tgt.Overlay.Env)
		} else {
			assert.Equal(t, models.DefaultEnv, tgt.Overlay.Env)
		}
	}
}

func TestFilterMatch(t *testing.T) {
	m := New(map[string]map[string]map[string]string{
		"Acme":  {"Widget": {}, "Gadget": {}},
		"Other": {"Widget": {}},
	})

	var empty Filter
	assert.True(t, empty.Empty())
	assert.Len(t, filterTargets(m, empty), 3)

	got := filterTargets(m, Filter{Manufacturer: "acme"})
	assert.Equal(t, []string{"Acme/Gadget", "Acme/Widget"}, names(got))

	got = filterTargets(m, Filter{Printer: "WIDGET"})
	assert.Equal(t, []string{"Acme/Widget", "Other/Widget"}, names(got))

	got = filterTargets(m, Filter{Manufacturer: "ACME", Printer: "widget"})
	assert.Equal(t, []string{"Acme/Widget"}, names(got))

	assert.Empty(t, filterTargets(m, Filter{Manufacturer: "nobody"}))
}

func filterTargets(m *Matrix, f Filter) []models.Target {
	var out []models.Target
	for _, tgt := range m.Targets() {
		if f.Match(tgt) {
			out = append(out, tgt)
		}
	}
	return out
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	acme := `
[DEFAULT]
env = uno

[Widget]
upstream_conf = Widget

[Gizmo]
conf = ./configs/gizmo
env = megaatmega1280
marlin_2_only
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Acme.ini"), []byte(acme), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "beta.ini"), []byte("[One]\nENV = due\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	m, err := LoadDir(dir)
	require.NoError(t, err)

	targets := m.Targets()
	require.Equal(t, []string{"Acme/Gizmo", "Acme/Widget", "beta/One"}, names(targets))

	gizmo := targets[0].Overlay
	assert.Equal(t, "./configs/gizmo", gizmo.Conf)
	assert.Equal(t, "megaatmega1280", gizmo.Env)
	assert.True(t, gizmo.Marlin2Only)

	widget := targets[1].Overlay
	assert.Equal(t, "Widget", widget.UpstreamConf)
	assert.Equal(t, "uno", widget.Env)
	assert.False(t, widget.Marlin2Only)

	assert.Equal(t, "due", targets[2].Overlay.Env)
}

func TestLoadDirRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.ini"), []byte("[unterminated\n"), 0o644))

	_, err := LoadDir(dir)
	assert.Error(t, err)
}
