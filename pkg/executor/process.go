package executor

import (
	"errors"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// killTree SIGKILLs pid and every descendant. The parent goes first so it
// cannot spawn replacements while its children are being collected.
func killTree(p *os.Process) error {
	root, err := process.NewProcess(int32(p.Pid))
	if err != nil {
		// Already gone, or not inspectable; fall back to the direct handle.
		return ignoreFinished(p.Kill())
	}

	return killProcess(root)
}

func killProcess(p *process.Process) error {
	children, _ := p.Children()

	errs := make([]error, 0, len(children)+1)
	errs = append(errs, ignoreFinished(p.Kill()))

	for _, child := range children {
		errs = append(errs, killProcess(child))
	}

	return errors.Join(errs...)
}

func ignoreFinished(err error) error {
	switch {
	case err == nil,
		errors.Is(err, os.ErrProcessDone),
		errors.Is(err, syscall.ESRCH),
		errors.Is(err, process.ErrorProcessNotRunning):
		return nil
	}

	return err
}
