//go:build linux

// Command chat-pipe is the anonymous-pipe client: chat-pipe DBFILE_PATH.
// It re-execs itself to become the single-session server, inheriting a
// pipe pair, and speaks the protocol to its own child over those pipes.
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
	"chathive/internal/server"
	"chathive/internal/store"
	"chathive/internal/transport"
)

func main() {
	if transport.IsPipeWorker(os.Args[1:]) {
		runServerChild(os.Args[1])
		return
	}

	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: chat-pipe DBFILE_PATH")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	dbPath := flag.Arg(0)

	ch, err := transport.SpawnPipeServer([]string{dbPath})
	if err != nil {
		log.Fatalf("[chat-pipe] spawn server: %v", err)
	}
	defer ch.Close()

	runREPL(ch)
}

// runServerChild is what the re-exec'd child runs: it reconstructs the
// inherited pipe ends, opens its own Store handle (a Store must not be
// shared across the fork/exec boundary), and serves exactly one session.
func runServerChild(dbPath string) {
	s, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("[chat-pipe] worker: open store %s: %v", dbPath, err)
	}
	defer s.Close()
	ch := transport.ChildPipeChannel()
	defer ch.Close()
	if err := server.ServeSingleSession(s, ch); err != nil {
		log.Fatalf("[chat-pipe] worker session: %v", err)
	}
}

// runREPL reads ADD/QUERY/END commands from stdin and runs each
// synchronously against ch, since the point-to-point transports need no
// dedicated receiver task — only the TCP client's async broadcast path
// does.
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
				log.Printf("[chat-pipe] add: %v", err)
				return
			}
		case cmdline.KindQuery:
			if err := eng.Query(cmd.Room, cmd.Topics, cmd.Count, sinks); err != nil {
				log.Printf("[chat-pipe] query: %v", err)
				return
			}
		case cmdline.KindEnd:
			eng.End()
			return
		}
	}
	eng.End()
}
