package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethpandaops/conformoor/pkg/types"
	"github.com/sirupsen/logrus"
)

// waitDelay bounds how long Wait keeps reading pipes held open by orphaned
// grandchildren after the test process itself has gone.
const waitDelay = time.Second

// Executor runs a single test through the external test program.
type Executor interface {
	// Run executes id and returns its settled result. An error is returned
	// only when ctx is cancelled before settlement; such a run has no
	// outcome and must not be recorded.
	Run(ctx context.Context, workerID int, id string) (*Result, error)
}

// Result is the settlement of one execution.
type Result struct {
	Outcome  types.Outcome
	Error    string
	Duration time.Duration
	Output   string
}

// Config for the executor.
type Config struct {
	// Binary is the test program, invoked as Binary Args... <absolute path>.
	Binary      string
	Args        []string
	ProjectRoot string
	Timeout     time.Duration
}

// NewExecutor creates a new executor. The project root is resolved to an
// absolute path once.
func NewExecutor(log logrus.FieldLogger, cfg *Config) (Executor, error) {
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}

	return &executor{
		log:  log.WithField("component", "executor"),
		cfg:  cfg,
		root: root,
	}, nil
}

type executor struct {
	log  logrus.FieldLogger
	cfg  *Config
	root string
}

// Ensure interface compliance.
var _ Executor = (*executor)(nil)

// Run launches the test program for id and waits for exactly one of process
// exit or the deadline.
func (e *executor) Run(ctx context.Context, workerID int, id string) (*Result, error) {
	start := time.Now()
	log := e.log.WithFields(logrus.Fields{
		"worker": workerID,
		"test":   id,
	})

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := make([]string, 0, len(e.cfg.Args)+1)
	args = append(args, e.cfg.Args...)
	args = append(args, filepath.Join(e.root, id))

	out := &outputWriter{log: log}

	cmd := exec.Command(e.cfg.Binary, args...)
	cmd.Dir = e.root
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		log.WithError(err).Warn("Failed to spawn test process")

		return &Result{
			Outcome:  types.OutcomeFail,
			Error:    fmt.Sprintf("spawn failed: %v", err),
			Duration: time.Since(start),
		}, nil
	}

	exited := make(chan error, 1)

	go func() {
		exited <- cmd.Wait()
	}()

	select {
	case <-exited:
		output := out.String()
		res := &Result{
			Outcome:  Classify(output),
			Duration: time.Since(start),
			Output:   output,
		}

		if res.Outcome == types.OutcomeFail {
			res.Error = ExtractError(output)
		}

		return res, nil

	case <-runCtx.Done():
		if err := killTree(cmd.Process); err != nil {
			log.WithError(err).Warn("Failed to kill test process tree")
		}

		<-exited

		if ctx.Err() != nil {
			return nil, fmt.Errorf("running %s: %w", id, ctx.Err())
		}

		return &Result{
			Outcome:  types.OutcomeTimeout,
			Error:    TimeoutError,
			Duration: e.cfg.Timeout,
			Output:   out.String(),
		}, nil
	}
}

// outputWriter collects stdout and stderr into one buffer and echoes each
// complete line at debug level.
type outputWriter struct {
	log     logrus.FieldLogger
	mu      sync.Mutex
	buf     bytes.Buffer
	pending []byte
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	w.pending = append(w.pending, p...)

	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}

		w.log.Debug(string(bytes.TrimRight(w.pending[:idx], "\r")))
		w.pending = w.pending[idx+1:]
	}

	return len(p), nil
}

func (w *outputWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buf.String()
}
