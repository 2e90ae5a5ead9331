package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProfileMissingFile(t *testing.T) {
	profile, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Profile{}, profile)
}

func TestLoadProfileParsesFields(t *testing.T) {
	path := writeProfile(t, `
defaultMode: dispute
agreementWindowSec: 12
startServices: true
keepServices: false
ports:
  evidence: 14001
  judge: 14002
`)
	profile, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, ModeDispute, profile.DefaultMode)
	assert.Equal(t, 12, profile.AgreementWindowSec)
	require.NotNil(t, profile.StartServices)
	assert.True(t, *profile.StartServices)
	require.NotNil(t, profile.KeepServices)
	assert.False(t, *profile.KeepServices)
	assert.Equal(t, 14001, profile.Ports["evidence"])
}

func TestLoadProfileRejectsBadMode(t *testing.T) {
	path := writeProfile(t, "defaultMode: chaos\n")
	_, err := LoadProfile(path)
	assert.ErrorContains(t, err, "defaultMode")
}

func TestLoadProfileRejectsBadYAML(t *testing.T) {
	path := writeProfile(t, "defaultMode: [unterminated\n")
	_, err := LoadProfile(path)
	assert.ErrorContains(t, err, "parse profile")
}

func TestProfileApply(t *testing.T) {
	yes := true
	profile := Profile{AgreementWindowSec: 30, KeepServices: &yes}

	opts := profile.Apply(RunOptions{StartServices: true})
	assert.Equal(t, 30, opts.AgreementWindowSec)
	assert.True(t, opts.KeepServices)
	assert.True(t, opts.StartServices)

	// A request-supplied window wins over the profile default.
	opts = profile.Apply(RunOptions{AgreementWindowSec: 5})
	assert.Equal(t, 5, opts.AgreementWindowSec)
}

func TestProfileApplyPorts(t *testing.T) {
	defs := []ServiceDef{
		{Name: "evidence", Port: 4001},
		{Name: "judge", Port: 4002},
	}

	overridden := Profile{Ports: map[string]int{"evidence": 15001, "unknown": 9}}.ApplyPorts(defs)
	assert.Equal(t, 15001, overridden[0].Port)
	assert.Equal(t, 4002, overridden[1].Port)

	// The input slice stays untouched.
	assert.Equal(t, 4001, defs[0].Port)

	same := Profile{}.ApplyPorts(defs)
	assert.Equal(t, defs, same)
}

func TestStorePathForService(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "court_judge.db"),
		StorePathForService(filepath.Join("data", "court.db"), "judge"))
	assert.Equal(t, filepath.Join("data", "court_judge.db"),
		StorePathForService(filepath.Join("data", "court"), "judge"))
}
