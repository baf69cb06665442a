//go:build linux

// Command chat-fifo is the named-FIFO client: chat-fifo SERVER_DIR. It
// publishes its PID on the daemon's well-known REQUESTS fifo, creates its
// own pair of per-session fifos, opens them in the client's fixed
// ordering, and speaks the protocol to whatever worker the daemon spawns
// to service this PID. The worker, not this client, owns the Store handle.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"chathive/internal/clientengine"
	"chathive/internal/cmdline"
	"chathive/internal/protocol"
	"chathive/internal/transport"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: chat-fifo SERVER_DIR")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	serverDir := flag.Arg(0)

	pid := os.Getpid()
	if _, _, err := transport.MakeClientFifos(serverDir, pid); err != nil {
		log.Fatalf("[chat-fifo] create session fifos: %v", err)
	}
	defer transport.RemoveClientFifos(serverDir, pid)

	if err := transport.SendSessionRequest(serverDir, pid); err != nil {
		log.Fatalf("[chat-fifo] publish session request: %v", err)
	}

	ch, err := transport.OpenClientFifosAsClient(serverDir, pid)
	if err != nil {
		log.Fatalf("[chat-fifo] open session fifos: %v", err)
	}
	defer ch.Close()

	runREPL(ch)
}

func runREPL(ch protocol.LineChannel) {
	eng := clientengine.New(ch)
	sinks := clientengine.Sinks{OK: os.Stdout, Err: os.Stderr}
	in := bufio.NewReader(os.Stdin)
	for {
		cmd, err := cmdline.ReadCommand(in)
		if err == cmdline.ErrBlank {
			continue
		}
		if err != nil {
			break
		}
		switch cmd.Kind {
		case cmdline.KindAdd:
			if err := eng.Add(cmd.User, cmd.Room, cmd.Message, cmd.Topics, sinks); err != nil {
				log.Printf("[chat-fifo] add: %v", err)
				return
			}
		case cmdline.KindQuery:
			if err := eng.Query(cmd.Room, cmd.Topics, cmd.Count, sinks); err != nil {
				log.Printf("[chat-fifo] query: %v", err)
				return
			}
		case cmdline.KindEnd:
			eng.End()
			return
		}
	}
	eng.End()
}
