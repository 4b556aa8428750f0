package process

import (
	"io"
	"os/exec"
)

// Spec describes a child process. Path is executed directly with Args; no
// shell is involved.
type Spec struct {
	Name    string
	Path    string
	Args    []string
	Env     []string // full environment; nil inherits the launcher's
	WorkDir string
	// Stdout and Stderr receive the child's output and are closed after the
	// child is reaped. They may be the same writer. nil discards.
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

func (s Spec) command() *exec.Cmd {
	// #nosec G204 -- paths come from the launcher's own layout
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.WorkDir
	cmd.Env = s.Env
	if s.Stdout != nil {
		cmd.Stdout = s.Stdout
	}
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}
	configureSysProcAttr(cmd)
	return cmd
}

func (s Spec) closeWriters() {
	if s.Stdout != nil {
		_ = s.Stdout.Close()
	}
	if s.Stderr != nil && s.Stderr != s.Stdout {
		_ = s.Stderr.Close()
	}
}
