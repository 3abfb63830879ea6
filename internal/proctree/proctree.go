// Package proctree finds and kills the processes a command leaves behind.
package proctree

import (
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

// Tree returns pid's descendants deepest first, then pid itself.
func Tree(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var tree []*process.Process
	var visit func(p *process.Process)
	visit = func(p *process.Process) {
		children, err := p.Children()
		if err == nil {
			for _, c := range children {
				visit(c)
			}
		}
		tree = append(tree, p)
	}
	visit(root)
	return tree
}

// Kill kills cmd's running process and everything it started. Call it only
// before cmd has been waited for; afterwards the pid may belong to someone
// else.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	for _, p := range Tree(int32(cmd.Process.Pid)) {
		_ = p.Kill()
	}
	return KillGroup(cmd)
}

// KillGroup kills whatever is left in the process group of a command
// prepared with Isolate, including children that outlived it and were
// reparented. It is safe after Wait and a no-op without process groups.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return killGroup(cmd)
}
