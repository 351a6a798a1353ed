// Package daemonize implements spec §6's `-d` flag: detach from the
// controlling terminal and continue running in the background, the Go
// equivalent of the original's glibc `daemon(0, 1)` call.
package daemonize

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// reexecEnvVar marks a process as the re-executed daemon child, so a
// second call to Daemonize (impossible in normal use, but cheap to guard)
// never double-forks.
const reexecEnvVar = "PEPSAL_DAEMON_CHILD"

// Daemonize detaches the current process the way `daemon(0, 1)` does:
// nochdir=0 (chdir to "/"), noclose=1 (stdio stays attached — spec's CLI
// still wants `-l stdout`/`-l stderr` to work after `-d`). Go has no
// fork(2); the equivalent here is a self re-exec in a new session,
// followed by the parent exiting. Daemonize must be called before any
// goroutine that can't tolerate losing its parent's fd table survives the
// re-exec (spec §6: call this first, before opening the listener).
func Daemonize() error {
	if os.Getenv(reexecEnvVar) == "1" {
		return unix.Chdir("/")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: re-exec: %w", err)
	}

	os.Exit(0)
	return nil
}
