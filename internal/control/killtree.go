package control

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// TreeKillResult reports per-PID outcomes of a process-tree termination.
type TreeKillResult struct {
	Killed  []int32           `json:"killed,omitempty"`
	Failed  []TreeKillFailure `json:"failed,omitempty"`
	Success bool              `json:"success"`
}

// TreeKillFailure names one process that survived the escalation.
type TreeKillFailure struct {
	PID    int32  `json:"pid"`
	Reason string `json:"reason"`
}

// KillTree terminates pid and all of its descendants. Every process gets
// a graceful terminate signal first; whatever survives the timeout gets a
// hard kill. A root that is already gone counts as success.
func KillTree(pid int32, timeout time.Duration) TreeKillResult {
	var res TreeKillResult
	root, err := process.NewProcess(pid)
	if err != nil {
		res.Success = true
		return res
	}
	targets := append(descendants(root), root)

	for _, p := range targets {
		_ = p.Terminate()
	}
	awaitExit(targets, timeout)

	var stubborn []*process.Process
	for _, p := range targets {
		if alive(int(p.Pid)) {
			stubborn = append(stubborn, p)
		} else {
			res.Killed = append(res.Killed, p.Pid)
		}
	}
	for _, p := range stubborn {
		_ = p.Kill()
	}
	awaitExit(stubborn, 2*time.Second)
	for _, p := range stubborn {
		if alive(int(p.Pid)) {
			res.Failed = append(res.Failed, TreeKillFailure{PID: p.Pid, Reason: "survived kill signal"})
		} else {
			res.Killed = append(res.Killed, p.Pid)
		}
	}
	res.Success = len(res.Failed) == 0
	return res
}

// descendants returns the child tree deepest first, so leaves are
// signalled before their parents.
func descendants(p *process.Process) []*process.Process {
	kids, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, k := range kids {
		out = append(out, descendants(k)...)
		out = append(out, k)
	}
	return out
}

func awaitExit(targets []*process.Process, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		anyAlive := false
		for _, p := range targets {
			if alive(int(p.Pid)) {
				anyAlive = true
				break
			}
		}
		if !anyAlive {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
