package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
)

func TestDirectRunCapturesStdout(t *testing.T) {
	result, err := Direct{}.Run(context.Background(), Spec{Name: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Stdout, "hello")
}

func TestDirectRunReportsNonZeroExit(t *testing.T) {
	result, err := Direct{}.Run(context.Background(), Spec{Name: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)
	require.Equal(t, 3, result.ExitCode)
}

func TestThrowingConvertsNonZeroExitToError(t *testing.T) {
	r := Throwing{Inner: Direct{}}
	_, err := r.Run(context.Background(), Spec{Name: "sh", Args: []string{"-c", "exit 7"}})
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, 7, cmdErr.ExitCode)
}

func TestDryRunSimulatesMutatingCommands(t *testing.T) {
	r := DryRun{Inner: Direct{}, Log: logger.NewNop(), ReadOnly: func(spec Spec) bool { return false }}
	result, err := r.Run(context.Background(), Spec{Name: "sh", Args: []string{"-c", "exit 9"}})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
}

func TestDryRunStillExecutesReadOnlyProbes(t *testing.T) {
	r := DryRun{
		Inner:    Direct{},
		Log:      logger.NewNop(),
		ReadOnly: func(spec Spec) bool { return spec.Name == "sh" },
	}
	result, err := r.Run(context.Background(), Spec{Name: "sh", Args: []string{"-c", "echo present"}})
	require.NoError(t, err)
	require.Contains(t, result.Stdout, "present")
}

func TestNoOpNeverInvokesRealCommand(t *testing.T) {
	spec := Spec{Name: "sh", Args: []string{"-c", "exit 1"}}
	r := NoOp{Results: map[string]Result{spec.String(): {ExitCode: 0, Stdout: "faked"}}}
	result, err := r.Run(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, "faked", result.Stdout)
}

func TestCheckReportsSuccess(t *testing.T) {
	ok, err := Check(context.Background(), Direct{}, Spec{Name: "true"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Check(context.Background(), Direct{}, Spec{Name: "false"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecWithInputPipesStdinToDirect(t *testing.T) {
	result, err := ExecWithInput(context.Background(), Direct{}, Spec{Name: "cat"}, []byte("sekret"))
	require.NoError(t, err)
	require.Equal(t, "sekret", result.Stdout)
}

func TestExecWithInputRejectsSudoCli(t *testing.T) {
	_, err := ExecWithInput(context.Background(), SudoCli{}, Spec{Name: "ensure-user"}, []byte("sekret"))
	require.ErrorIs(t, err, ErrSudoCliUnsupportsInput)
}

func TestExecWithInputRejectsSudoCliThroughWrappers(t *testing.T) {
	r := Logging{Inner: Throwing{Inner: SudoCli{}}, Log: logger.NewNop()}
	_, err := ExecWithInput(context.Background(), r, Spec{Name: "ensure-user"}, []byte("sekret"))
	require.ErrorIs(t, err, ErrSudoCliUnsupportsInput)
}

func TestExecAllStopsAtFirstFailure(t *testing.T) {
	r := Throwing{Inner: Direct{}}
	specs := []Spec{
		{Name: "true"},
		{Name: "sh", Args: []string{"-c", "exit 1"}},
		{Name: "true"},
	}
	results, err := ExecAll(context.Background(), r, specs)
	require.Error(t, err)
	require.Len(t, results, 2)
}
