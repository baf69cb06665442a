//go:build linux

package transport

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"chathive/internal/protocol"
)

// WellKnownFifoName is the single named pipe every client writes its PID
// to in order to request a session.
const WellKnownFifoName = "REQUESTS"

// clientFifoName builds the name of one of a client's two per-session
// fifos: "<pid>.0" (server->client) or "<pid>.1" (client->server).
func clientFifoName(dir string, pid int, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%d", pid, index))
}

// MakeClientFifos creates the pair of per-client fifos a session needs and
// returns their paths ("<pid>.0" then "<pid>.1"). Callers remove them with
// RemoveClientFifos once the session ends.
func MakeClientFifos(dir string, pid int) (srvToCli, cliToSrv string, err error) {
	srvToCli = clientFifoName(dir, pid, 0)
	cliToSrv = clientFifoName(dir, pid, 1)
	for _, p := range []string{srvToCli, cliToSrv} {
		if err := unix.Mkfifo(p, 0600); err != nil {
			RemoveClientFifos(dir, pid)
			return "", "", fmt.Errorf("transport: mkfifo %s: %w", p, err)
		}
	}
	return srvToCli, cliToSrv, nil
}

// RemoveClientFifos deletes both fifos for pid, ignoring missing files.
func RemoveClientFifos(dir string, pid int) {
	os.Remove(clientFifoName(dir, pid, 0))
	os.Remove(clientFifoName(dir, pid, 1))
}

// OpenWellKnownFifoServer opens the REQUESTS fifo for reading, creating it
// first if it doesn't already exist. The daemon reads one newline-terminated
// client PID at a time from it.
func OpenWellKnownFifoServer(dir string) (*bufio.Reader, *os.File, error) {
	path := filepath.Join(dir, WellKnownFifoName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := unix.Mkfifo(path, 0600); err != nil {
			return nil, nil, fmt.Errorf("transport: mkfifo %s: %w", path, err)
		}
	}
	// A fifo opened O_RDONLY blocks until a writer appears; the daemon
	// keeps one long-lived reader open (via O_RDWR) so the pipe never sees
	// EOF between clients.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	return bufio.NewReader(f), f, nil
}

// SendSessionRequest writes this process's PID, newline-terminated, to the
// well-known fifo, signalling the daemon to open a new session's fifos.
func SendSessionRequest(dir string, pid int) error {
	path := filepath.Join(dir, WellKnownFifoName)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", path, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", pid)
	return err
}

// OpenClientFifosAsServer opens a session's two fifos in the fixed order
// both peers follow: "<pid>.0" first, "<pid>.1" second. Role determines
// mode — the server writes .0 and reads .1 — so each open is paired with
// the client's open of the same file in the opposite mode, which is what
// unblocks the two blocking opens instead of deadlocking; see
// OpenClientFifosAsClient.
func OpenClientFifosAsServer(dir string, pid int) (protocol.LineChannel, error) {
	srvToCli, cliToSrv := clientFifoName(dir, pid, 0), clientFifoName(dir, pid, 1)
	wFile, err := os.OpenFile(srvToCli, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", srvToCli, err)
	}
	rFile, err := os.OpenFile(cliToSrv, os.O_RDONLY, 0)
	if err != nil {
		wFile.Close()
		return nil, fmt.Errorf("transport: open %s: %w", cliToSrv, err)
	}
	return newStreamChannel(rFile, wFile, rFile, wFile), nil
}

// OpenClientFifosAsClient is the client-side mirror of
// OpenClientFifosAsServer: same order (.0 first, .1 second), opposite
// modes — the client reads .0 and writes .1.
func OpenClientFifosAsClient(dir string, pid int) (protocol.LineChannel, error) {
	srvToCli, cliToSrv := clientFifoName(dir, pid, 0), clientFifoName(dir, pid, 1)
	rFile, err := os.OpenFile(srvToCli, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", srvToCli, err)
	}
	wFile, err := os.OpenFile(cliToSrv, os.O_WRONLY, 0)
	if err != nil {
		rFile.Close()
		return nil, fmt.Errorf("transport: open %s: %w", cliToSrv, err)
	}
	return newStreamChannel(rFile, wFile, rFile, wFile), nil
}

// ParsePID parses a newline-stripped PID line read from the well-known
// fifo.
func ParsePID(line string) (int, error) {
	return strconv.Atoi(line)
}
