// Command chat-tcp is the multi-user TCP client: chat-tcp HOST PORT USER ROOM.
// It sends an INIT frame to address the session, then reads ADD/QUERY/END
// commands from stdin while a background goroutine prints unsolicited
// broadcast frames (room joins/leaves/messages) as they arrive.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"chathive/internal/clientengine"
	"chathive/internal/cmdline"
	"chathive/internal/transport"
)

func main() {
	tui := flag.Bool("tui", false, "run the Bubble Tea full-screen interface instead of the line REPL")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: chat-tcp [-tui] HOST PORT USER ROOM")
	}
	flag.Parse()
	if flag.NArg() != 4 {
		flag.Usage()
		os.Exit(1)
	}
	host, port, user, room := flag.Arg(0), flag.Arg(1), flag.Arg(2), flag.Arg(3)
	if err := cmdline.ValidateUser(user); err != nil {
		log.Fatalf("[chat-tcp] %v", err)
	}
	if err := cmdline.ValidateRoom(room); err != nil {
		log.Fatalf("[chat-tcp] %v", err)
	}

	ch, err := transport.DialTCP(fmt.Sprintf("%s:%s", host, port))
	if err != nil {
		log.Fatalf("[chat-tcp] dial %s:%s: %v", host, port, err)
	}
	eng := clientengine.New(ch)
	if err := eng.Init(user, room); err != nil {
		log.Fatalf("[chat-tcp] init: %v", err)
	}

	if *tui {
		if err := runTUI(eng, user, room); err != nil {
			log.Fatalf("[chat-tcp] tui: %v", err)
		}
		return
	}

	recvDone := make(chan error, 1)
	go func() {
		recvDone <- clientengine.RunReceiveLoop(ch, clientengine.Sinks{OK: os.Stdout, Err: os.Stderr}, false)
	}()

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
			if err := eng.SubmitAdd(user, room, cmd.Message, cmd.Topics); err != nil {
				log.Printf("[chat-tcp] add: %v", err)
			}
		case cmdline.KindQuery:
			if err := eng.SubmitQuery(cmd.Room, cmd.Topics, cmd.Count); err != nil {
				log.Printf("[chat-tcp] query: %v", err)
			}
		case cmdline.KindEnd:
			eng.End()
			<-recvDone
			return
		}
	}
	eng.End()
	<-recvDone
}
