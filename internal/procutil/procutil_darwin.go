//go:build darwin

package procutil

import "os/exec"

// StartWithCleanup starts the command. On macOS there is no kernel-level
// mechanism like Linux's Pdeathsig to kill a child when the parent dies;
// the transport kills the provider explicitly on Close. Ungraceful death
// of perlica itself (SIGKILL) can leave an orphaned provider, which has
// no reliable in-process fix on macOS.
func StartWithCleanup(cmd *exec.Cmd) error {
	return cmd.Start()
}
