package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ethpandaops/conformoor/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		outcome types.Outcome
		errText string
	}{
		{
			name:    "pass line",
			output:  "PASS /a/b\n",
			outcome: types.OutcomePass,
		},
		{
			name:    "pass without trailing newline",
			output:  "compiling...\nPASS",
			outcome: types.OutcomePass,
		},
		{
			name:    "fail line with message",
			output:  "FAIL /a/b expected X got Y\n",
			outcome: types.OutcomeFail,
			errText: "expected X got Y",
		},
		{
			name:    "both pass and fail",
			output:  "PASS /a/b\nFAIL /a/b late assertion\n",
			outcome: types.OutcomeFail,
			errText: "late assertion",
		},
		{
			name:    "neither token",
			output:  "panic: something odd\n",
			outcome: types.OutcomeFail,
			errText: UnknownError,
		},
		{
			name:    "empty output",
			output:  "",
			outcome: types.OutcomeFail,
			errText: UnknownError,
		},
		{
			name:    "tokens must start the line",
			output:  "  PASS /a/b\nnot PASS either\n",
			outcome: types.OutcomeFail,
			errText: UnknownError,
		},
		{
			name:    "token match is case-sensitive",
			output:  "pass /a/b\n",
			outcome: types.OutcomeFail,
			errText: UnknownError,
		},
		{
			name:    "longer word is not the token",
			output:  "PASSED /a/b\n",
			outcome: types.OutcomeFail,
			errText: UnknownError,
		},
		{
			name:    "fail line without message falls back",
			output:  "FAIL /a/b\n",
			outcome: types.OutcomeFail,
			errText: UnknownError,
		},
		{
			name:    "extra whitespace collapses",
			output:  "FAIL /a/b   expected\tX  got Y\r\n",
			outcome: types.OutcomeFail,
			errText: "expected X got Y",
		},
		{
			name:    "first FAIL line wins",
			output:  "noise\nFAIL /a/b first\nFAIL /a/b second\n",
			outcome: types.OutcomeFail,
			errText: "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := Classify(tt.output)
			assert.Equal(t, tt.outcome, outcome)

			if outcome == types.OutcomeFail {
				assert.Equal(t, tt.errText, ExtractError(tt.output))
			}
		})
	}
}

// writeScript creates an executable shell script standing in for the
// external test program.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()

	path := filepath.Join(dir, "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	return path
}

func newTestExecutor(t *testing.T, body string, args []string, timeout time.Duration) (Executor, string) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures need a POSIX shell")
	}

	root := t.TempDir()
	script := writeScript(t, root, body)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	exec, err := NewExecutor(log, &Config{
		Binary:      script,
		Args:        args,
		ProjectRoot: root,
		Timeout:     timeout,
	})
	require.NoError(t, err)

	return exec, root
}

func TestExecutor_Run(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		args    []string
		outcome types.Outcome
		errText string
	}{
		{
			name:    "pass",
			body:    `echo "PASS $1"`,
			outcome: types.OutcomePass,
		},
		{
			name:    "fail with message on stderr",
			body:    `echo "FAIL $1 expected 1 got 2" >&2`,
			outcome: types.OutcomeFail,
			errText: "expected 1 got 2",
		},
		{
			name:    "exit code is ignored",
			body:    "echo \"PASS $1\"\nexit 3",
			outcome: types.OutcomePass,
		},
		{
			name:    "unrecognised output",
			body:    `echo "hello"`,
			outcome: types.OutcomeFail,
			errText: UnknownError,
		},
		{
			name:    "mixed streams with both tokens",
			body:    "echo \"PASS $1\"\necho \"FAIL $1 flaky\" >&2",
			outcome: types.OutcomeFail,
			errText: "flaky",
		},
		{
			name: "extra args precede the path",
			body: `if [ "$1" = "test262" ]; then echo "PASS $2"; else echo "FAIL $1 wrong args"; fi`,
			args: []string{"test262"},
			// Path is the second argument.
			outcome: types.OutcomePass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _ := newTestExecutor(t, tt.body, tt.args, 5*time.Second)

			res, err := exec.Run(context.Background(), 0, "suite/case.js")
			require.NoError(t, err)
			require.NotNil(t, res)

			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.errText, res.Error)
			assert.Less(t, res.Duration, 5*time.Second)
		})
	}
}

func TestExecutor_RunPassesAbsolutePathAndRoot(t *testing.T) {
	exec, root := newTestExecutor(t, `echo "PASS $1"; echo "CWD $(pwd -P)"`, nil, 5*time.Second)

	res, err := exec.Run(context.Background(), 1, "dir/case.js")
	require.NoError(t, err)

	absRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	assert.Contains(t, res.Output, "PASS "+filepath.Join(root, "dir/case.js"))
	assert.Contains(t, res.Output, "CWD "+absRoot)
}

func TestExecutor_RunTimeout(t *testing.T) {
	timeout := 200 * time.Millisecond
	exec, _ := newTestExecutor(t, "sleep 30", nil, timeout)

	start := time.Now()
	res, err := exec.Run(context.Background(), 0, "slow.js")
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeTimeout, res.Outcome)
	assert.Equal(t, TimeoutError, res.Error)
	assert.Equal(t, timeout, res.Duration)
	assert.Less(t, time.Since(start), 5*time.Second, "process must be killed")
}

func TestExecutor_RunTimeoutKillsChildren(t *testing.T) {
	exec, root := newTestExecutor(t, "sleep 30 &\necho $! > \"$(dirname \"$0\")/child.pid\"\nwait", nil, 300*time.Millisecond)

	start := time.Now()
	res, err := exec.Run(context.Background(), 0, "tree.js")
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeTimeout, res.Outcome)
	assert.Less(t, time.Since(start), 5*time.Second)

	pidData, err := os.ReadFile(filepath.Join(root, "child.pid"))
	require.NoError(t, err)
	require.NotEmpty(t, pidData)
}

func TestExecutor_RunSpawnFailure(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	exec, err := NewExecutor(log, &Config{
		Binary:      filepath.Join(t.TempDir(), "does-not-exist"),
		ProjectRoot: t.TempDir(),
		Timeout:     time.Second,
	})
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), 0, "x.js")
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeFail, res.Outcome)
	assert.Contains(t, res.Error, "spawn failed")
}

func TestExecutor_RunCancelled(t *testing.T) {
	exec, _ := newTestExecutor(t, "sleep 30", nil, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := exec.Run(ctx, 0, "x.js")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestNewExecutor_InvalidTimeout(t *testing.T) {
	_, err := NewExecutor(logrus.New(), &Config{Binary: "true", ProjectRoot: ".", Timeout: 0})
	require.Error(t, err)
}
