package unixisolation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidUsername(t *testing.T) {
	valid := []string{"alice", "bob_2", "_svc", "a"}
	for _, u := range valid {
		require.Truef(t, ValidUsername(u), "expected %q to be valid", u)
	}

	invalid := []string{"", "Alice", "2bob", "bad name", "way-too-long-of-a-username-to-ever-be-valid-xxxxx"}
	for _, u := range invalid {
		require.Falsef(t, ValidUsername(u), "expected %q to be invalid", u)
	}
}

func TestWorktreeGroupNameIsDeterministicAndNamelike(t *testing.T) {
	name1 := WorktreeGroupName("wt-123")
	name2 := WorktreeGroupName("wt-123")
	require.Equal(t, name1, name2)
	require.True(t, ValidUsername(name1), "group name must satisfy the unix name grammar")
	require.Regexp(t, `^agor_wt_[0-9a-f]{8}$`, name1)

	name3 := WorktreeGroupName("wt-456")
	require.NotEqual(t, name1, name3)
}

func TestWorktreeSymlinkPath(t *testing.T) {
	path := WorktreeSymlinkPath("/home", "alice", "my-feature")
	require.Equal(t, "/home/alice/agor/worktrees/my-feature", path)
}

func TestRunAsUserWithFreshGroupsEscapesSingleQuotes(t *testing.T) {
	spec := RunAsUserWithFreshGroups("alice", "/usr/bin/node", []string{"exec.js", "it's a test"},
		map[string]string{"API_KEY": "val'with'quotes"})

	require.Equal(t, "su", spec.Name)
	require.Equal(t, "-", spec.Args[0])
	require.Equal(t, "alice", spec.Args[1])
	require.Equal(t, "-c", spec.Args[2])

	inner := spec.Args[3]
	require.Contains(t, inner, `API_KEY='val'\''with'\''quotes'`)
	require.Contains(t, inner, `'it'\''s a test'`)
}

func TestRunAsUserBuildsSudoDashUForm(t *testing.T) {
	spec := RunAsUser("alice", "/usr/bin/node", []string{"exec.js"})
	require.Equal(t, "sudo", spec.Name)
	require.Equal(t, []string{"-n", "-u", "alice", "/usr/bin/node", "exec.js"}, spec.Args)
}

func TestCreateSymlinkUsesLnDashSfn(t *testing.T) {
	spec := CreateSymlink("/data/worktrees/foo", "/home/alice/agor/worktrees/foo")
	require.Equal(t, "ln", spec.Name)
	require.Equal(t, []string{"-sfn", "/data/worktrees/foo", "/home/alice/agor/worktrees/foo"}, spec.Args)
}
