package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrc1883/meshbrain/archive"
	"github.com/jrc1883/meshbrain/config"
	"github.com/jrc1883/meshbrain/protocol"
)

func env(vars map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
namespace: from-file
bus:
  backend: file
  dir: /tmp/mesh-file
logging:
  level: debug
`), 0o600))

	var f configFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--bus", "memory", "--poll-interval", "250ms"}))

	cfg, err := loadConfig(path, env(map[string]string{"MESH_NAMESPACE": "from-env"}), &f, fs)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Namespace, "environment beats the file")
	assert.Equal(t, "memory", cfg.Bus.Backend, "flags beat the file")
	assert.Equal(t, "/tmp/mesh-file", cfg.Bus.Dir, "unset flags leave the file value")
	assert.Equal(t, 250*time.Millisecond, cfg.Bus.PollInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	var f configFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--bus", "smoke-signals"}))

	_, err := loadConfig("", env(nil), &f, fs)
	assert.Error(t, err)

	_, err = loadConfig("", env(map[string]string{"MESH_QUORUM": "many"}), &f, pflag.NewFlagSet("empty", pflag.ContinueOnError))
	assert.Error(t, err)
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, nil)
	assert.Equal(t, "No archived sessions\n", buf.String())

	buf.Reset()
	printSessions(&buf, []archive.Summary{{
		ID:               "0123456789abcdef",
		Topic:            "Pick a cache",
		Outcome:          protocol.PhaseResolved,
		Rounds:           1,
		ApprovalFraction: 1,
		ResolvedAt:       time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789")
	assert.Contains(t, out, "resolved")
	assert.Contains(t, out, "Pick a cache")
}

func TestRoundTripOnMemoryBus(t *testing.T) {
	cfg = config.Default()
	cfg.Bus.Backend = "memory"

	var out bytes.Buffer
	probeCmd.SetOut(&out)
	probeCmd.SetContext(context.Background())
	probeTimeout = time.Second
	require.NoError(t, runProbe(probeCmd, nil))
	assert.Contains(t, out.String(), "backend: memory")
	assert.Contains(t, out.String(), "key/value: ok")
}
