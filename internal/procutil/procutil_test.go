package procutil_test

import (
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/procutil"
)

func TestStartWithCleanupChildDiesWhenKilled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses unix sleep command")
	}

	cmd := exec.Command("sleep", "60")
	require.NoError(t, procutil.StartWithCleanup(cmd))

	pid := cmd.Process.Pid
	assert.True(t, processExists(pid), "provider should be alive after start")

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, processExists(pid), "provider should be dead after kill")
}

func processExists(pid int) bool {
	return exec.Command("kill", "-0", strconv.Itoa(pid)).Run() == nil
}
