//go:build linux

package server

import (
	"log"
	"strings"

	"chathive/internal/reexec"
	"chathive/internal/store"
	"chathive/internal/transport"
)

// fifoWorkerFlag marks a re-exec'd process as a FIFO session worker; it is
// followed by the server directory, the DB path and the client PID, which
// the worker needs to open its own Store and reopen its own pair of per-client fifos (it cannot inherit file
// descriptors across the well-known-fifo round trip the way the pipe and
// shm transports do, since the worker is spawned fresh per accepted PID
// rather than pre-opened before the client ever asked for a session).
const fifoWorkerFlag = "--fifo-worker"

// ServeFifoDaemon reads PIDs off the well-known REQUESTS fifo forever, and
// for each one re-execs this binary as a detached worker that opens that
// client's two fifos and runs the single-session loop against dbPath.
// There is no fork() in Go, so each worker is a fresh process instead of a
// double-forked child; ServeFifoDaemon itself never touches the Store or
// blocks on client fifos, keeping the accept loop responsive. onReady, if
// non-nil, is called once the REQUESTS fifo is open and accepting PIDs.
func ServeFifoDaemon(serverDir, dbPath string, onReady func()) error {
	reader, reqFile, err := transport.OpenWellKnownFifoServer(serverDir)
	if err != nil {
		return err
	}
	defer reqFile.Close()
	if onReady != nil {
		onReady()
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Printf("[server] REQUESTS fifo read: %v", err)
			return err
		}
		pidStr := strings.TrimSpace(line)
		pid, err := transport.ParsePID(pidStr)
		if err != nil {
			log.Printf("[server] bad PID line %q: %v", line, err)
			continue
		}
		log.Printf("[server] spawning fifo worker for client pid %d", pid)
		cmd, err := reexec.SelfDetached([]string{fifoWorkerFlag, serverDir, dbPath, pidStr})
		if err != nil {
			log.Printf("[server] spawn fifo worker for pid %d: %v", pid, err)
			continue
		}
		reexec.Reap(cmd)
	}
}

// IsFifoWorker reports whether args mark this process as a re-exec'd FIFO
// worker, and if so returns the (serverDir, dbPath, clientPid) it was
// launched with.
func IsFifoWorker(args []string) (serverDir, dbPath, clientPid string, ok bool) {
	for i, a := range args {
		if a == fifoWorkerFlag && i+3 < len(args) {
			return args[i+1], args[i+2], args[i+3], true
		}
	}
	return "", "", "", false
}

// RunFifoWorker opens the named client's pair of fifos as the server side
// and runs the single-session loop against s, closing and removing the
// fifos on exit. The client itself created the fifos; the worker only
// opens and, on exit, best-effort removes them as a courtesy since clients
// that crash mid-session would otherwise leak them.
func RunFifoWorker(s *store.Store, serverDir string, pid int) error {
	ch, err := transport.OpenClientFifosAsServer(serverDir, pid)
	if err != nil {
		return err
	}
	defer ch.Close()
	defer transport.RemoveClientFifos(serverDir, pid)
	return ServeSingleSession(s, ch)
}
