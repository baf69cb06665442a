//go:build linux

package transport

import (
	"fmt"
	"os"

	"chathive/internal/protocol"
	"chathive/internal/reexec"
)

// pipeWorkerFlag marks a re-exec'd process as the server side of an
// anonymous-pipe session; the inherited fds carrying the request/response
// streams always land at fixed descriptor numbers, replacing the implicit
// state a forked child would have inherited from its parent's address
// space.
const (
	pipeWorkerFlag = "--pipe-worker"
	pipeChildFDIn  = 3 // client->server pipe, read end
	pipeChildFDOut = 4 // server->client pipe, write end
)

// SpawnPipeServer creates an anonymous-pipe pair in each direction and
// re-execs this binary (via workerArgs) as the server side, handing it the
// pipe ends over ExtraFiles. Go processes cannot fork and keep running, so
// the two pipe pairs are created first and the server side is launched as
// a fresh child process instead.
//
// It returns the parent-side (client) channel; the spawned process exits
// once the client closes its end.
func SpawnPipeServer(workerArgs []string) (protocol.LineChannel, error) {
	clientToServerR, clientToServerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("transport: pipe: %w", err)
	}
	serverToClientR, serverToClientW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("transport: pipe: %w", err)
	}

	cmd, err := reexec.Self(append(workerArgs, pipeWorkerFlag),
		clientToServerR, serverToClientW)
	if err != nil {
		return nil, fmt.Errorf("transport: spawn pipe worker: %w", err)
	}
	reexec.Reap(cmd)

	// The parent keeps its own ends and closes the ones it handed to the
	// child; the child has its own duplicated copies open across the exec.
	clientToServerR.Close()
	serverToClientW.Close()

	return newStreamChannel(serverToClientR, clientToServerW, serverToClientR, clientToServerW), nil
}

// IsPipeWorker reports whether this process was re-exec'd by
// SpawnPipeServer, i.e. whether args contains the pipe-worker marker.
func IsPipeWorker(args []string) bool {
	for _, a := range args {
		if a == pipeWorkerFlag {
			return true
		}
	}
	return false
}

// ChildPipeChannel reconstructs the server-side channel from the fds a
// pipe worker inherited at fixed descriptor numbers 3 and 4.
func ChildPipeChannel() protocol.LineChannel {
	in := os.NewFile(pipeChildFDIn, "pipe-in")
	out := os.NewFile(pipeChildFDOut, "pipe-out")
	return newStreamChannel(in, out, in, out)
}
