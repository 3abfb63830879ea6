//go:build !unix

package proctree

import "os/exec"

// Isolate is a no-op where process groups are unavailable; Kill falls back
// to walking the live tree.
func Isolate(*exec.Cmd) {}

func killGroup(*exec.Cmd) error {
	return nil
}
