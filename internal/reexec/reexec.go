//go:build linux

// Package reexec launches this same binary as a child process, handing it
// inherited file descriptors. Go offers no fork(2) that preserves
// goroutines and the runtime's internal state, so the pipe and
// shared-memory transports spawn a fresh copy of themselves instead
// (re-exec), passing the already-open pipe/FIFO/shm descriptors across via
// os/exec's ExtraFiles. The daemons use the same mechanism to detach: the
// launching process re-execs the long-lived daemon, waits for it to report
// readiness, prints its PID, and exits.
package reexec

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"syscall"
)

// Self starts this executable with args, inheriting extraFiles starting at
// fd 3 in the child (ExtraFiles[0] is fd 3, ExtraFiles[1] is fd 4, ...).
// The child's stderr is connected to the parent's for diagnostics.
func Self(args []string, extraFiles ...*os.File) (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], args...)
	cmd.ExtraFiles = extraFiles
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// SelfDetached is like Self but makes the child a new session leader
// (setsid), detaching it from the parent's controlling terminal, and does
// not connect the child's stderr to the parent's. Unlike a
// double-forked daemon there is no intermediate parent that exits
// immediately, so a caller that stays alive must reap the child explicitly
// with Reap instead of relying on re-parenting to init.
func SelfDetached(args []string, extraFiles ...*os.File) (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], args...)
	cmd.ExtraFiles = extraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Reap waits for cmd to exit on a background goroutine, logging anything
// other than a clean exit. This prevents zombie accumulation without
// relying on a double-fork.
func Reap(cmd *exec.Cmd) {
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("[reexec] worker pid %d exited: %v", cmd.Process.Pid, err)
		}
	}()
}

// SpawnDaemon re-execs this binary detached with args, hands it the write
// end of a readiness pipe as fd 3, and blocks until the child writes one
// byte on it (see NotifyReady). It returns the daemon's PID; the child
// exiting before reporting readiness is an error. The caller is expected
// to exit once this returns, leaving the detached child to be re-parented
// to init.
func SpawnDaemon(args []string) (int, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("reexec: readiness pipe: %w", err)
	}
	defer r.Close()

	cmd, err := SelfDetached(args, w)
	w.Close()
	if err != nil {
		return 0, fmt.Errorf("reexec: spawn daemon: %w", err)
	}

	var ready [1]byte
	if _, err := r.Read(ready[:]); err != nil {
		return 0, fmt.Errorf("reexec: daemon pid %d exited before reporting readiness", cmd.Process.Pid)
	}
	return cmd.Process.Pid, nil
}

// NotifyReady is the child half of SpawnDaemon: it writes one byte on the
// inherited readiness pipe at fd 3 and closes it. Must be called exactly
// once, after the daemon's listener or well-known FIFO is open.
func NotifyReady() {
	f := os.NewFile(3, "readiness-pipe")
	if f == nil {
		return
	}
	f.Write([]byte{1})
	f.Close()
}
