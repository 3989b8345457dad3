package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
)

func TestBuildSpawnArgsNoImpersonation(t *testing.T) {
	spec := BuildSpawnArgs("/opt/agor/bin/agor-executor", []string{"--socket", "/tmp/x.sock"}, "", false, nil)
	assert.Equal(t, "/opt/agor/bin/agor-executor", spec.Name)
	assert.Equal(t, []string{"--socket", "/tmp/x.sock"}, spec.Args)
}

func TestBuildSpawnArgsSudoUNoFreshGroups(t *testing.T) {
	spec := BuildSpawnArgs("/opt/agor/bin/agor-executor", []string{"--socket", "/tmp/x.sock"}, "alice", false, nil)
	require.Equal(t, "sudo", spec.Name)
	assert.Equal(t, []string{"-n", "-u", "alice", "/opt/agor/bin/agor-executor", "--socket", "/tmp/x.sock"}, spec.Args)
}

func TestBuildSpawnArgsFreshGroupsWrapsLoginShell(t *testing.T) {
	spec := BuildSpawnArgs("/opt/agor/bin/agor-executor", []string{"--socket", "/tmp/x.sock"}, "alice", true, map[string]string{"FOO": "bar"})
	require.Equal(t, "sudo", spec.Name)
	require.Len(t, spec.Args, 5)
	assert.Equal(t, []string{"-n", "su", "-", "alice"}, spec.Args[:4])
	assert.Equal(t, "-c", spec.Args[4])
}

func TestBuildSpawnArgsFreshGroupsQuotesArgsSafely(t *testing.T) {
	spec := BuildSpawnArgs("/bin/echo", []string{"hello world"}, "bob", true, nil)
	require.Equal(t, "sudo", spec.Name)
	require.Len(t, spec.Args, 5)
	shellCmd := spec.Args[4]
	assert.Contains(t, shellCmd, "'/bin/echo'")
	assert.Contains(t, shellCmd, "'hello world'")
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "disabled", ModeDisabled.String())
	assert.Equal(t, "sudo", ModeSudo.String())
}

func TestFindExecutorBinaryPrefersConfigured(t *testing.T) {
	assert.Equal(t, "/custom/path/agor-executor", findExecutorBinary("/custom/path/agor-executor"))
}

func TestPoolGetMissingReturnsFalse(t *testing.T) {
	p := NewPool(Config{}, logger.NewNop())
	_, ok := p.Get("nonexistent")
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
}

func TestDetectModeDisabledWhenConfigSaysSo(t *testing.T) {
	p := NewPool(Config{RunAsUnixUser: false}, logger.NewNop())
	mode := p.DetectMode(context.Background())
	assert.Equal(t, ModeDisabled, mode)
	assert.Equal(t, ModeDisabled, p.CurrentMode())
}
