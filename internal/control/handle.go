package control

import (
	"io"
	"os/exec"

	"github.com/shirou/gopsutil/v4/process"
)

// HandleKind tags how the controller came to know the server process.
type HandleKind int

const (
	// HandleNone means no process is tracked.
	HandleNone HandleKind = iota
	// HandleDirect means this controller started the process and owns
	// its stdin pipe.
	HandleDirect
	// HandleAdopted means the process was found in the process table
	// after a crash or restart of craftd. It is fully supervisable but
	// has no command channel.
	HandleAdopted
)

func (k HandleKind) String() string {
	switch k {
	case HandleDirect:
		return "direct"
	case HandleAdopted:
		return "adopted"
	default:
		return "none"
	}
}

// handle is the controller's view of the tracked process. cmd, stdin and
// waitCh are only set for direct handles.
type handle struct {
	kind   HandleKind
	pid    int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	proc   *process.Process
	waitCh chan error
}

// canSendCommands reports whether console commands can reach the server.
// Only a directly started process has a live stdin.
func (h handle) canSendCommands() bool {
	return h.kind == HandleDirect && h.stdin != nil
}

// alive reports whether pid refers to a live, non-zombie process.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if statuses, err := p.Status(); err == nil {
		for _, st := range statuses {
			if st == process.Zombie {
				return false
			}
		}
	}
	running, err := p.IsRunning()
	return err == nil && running
}
