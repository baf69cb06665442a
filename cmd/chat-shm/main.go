//go:build linux

// Command chat-shm is the shared-memory client:
// chat-shm DBFILE_PATH [SHM_SIZE_KiB]. It re-execs itself as the
// single-session server side of a memfd+eventfd-semaphore region (see
// internal/transport/shm.go) and speaks the packed-struct protocol to it.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"chathive/internal/clientengine"
	"chathive/internal/cmdline"
	"chathive/internal/protocol"
	"chathive/internal/server"
	"chathive/internal/store"
	"chathive/internal/transport"
)

const defaultShmSizeKiB = 4

func main() {
	if transport.IsShmWorker(os.Args[1:]) {
		bufSize := shmBufSizeFromArgs(os.Args[1:])
		runServerChild(os.Args[1], bufSize)
		return
	}

	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: chat-shm DBFILE_PATH [SHM_SIZE_KiB]")
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(1)
	}
	dbPath := flag.Arg(0)
	sizeKiB := defaultShmSizeKiB
	if flag.NArg() == 2 {
		n, err := strconv.Atoi(flag.Arg(1))
		if err != nil || n < 1 {
			log.Fatalf("[chat-shm] SHM_SIZE_KiB must be a positive integer, got %q", flag.Arg(1))
		}
		sizeKiB = n
	}
	bufSize := sizeKiB * 1024
	if bufSize < 1024 {
		log.Fatalf("[chat-shm] shared-memory size must be >= 1024 bytes")
	}

	ch, err := transport.SpawnShmServer([]string{dbPath, strconv.Itoa(bufSize)}, bufSize)
	if err != nil {
		log.Fatalf("[chat-shm] spawn server: %v", err)
	}
	defer ch.Close()

	runREPL(ch)
}

func shmBufSizeFromArgs(args []string) int {
	// The worker is re-exec'd with [dbPath, bufSizeStr, shmWorkerFlag];
	// args[1] carries the buffer size chosen by the parent.
	n, err := strconv.Atoi(args[1])
	if err != nil {
		log.Fatalf("[chat-shm] worker: bad buffer size %q: %v", args[1], err)
	}
	return n
}

func runServerChild(dbPath string, bufSize int) {
	s, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("[chat-shm] worker: open store %s: %v", dbPath, err)
	}
	defer s.Close()
	ch := transport.ChildShmChannel(bufSize)
	defer ch.Close()
	if err := server.ServeSingleSession(s, ch); err != nil {
		log.Fatalf("[chat-shm] worker session: %v", err)
	}
}

func runREPL(ch protocol.Channel) {
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
				log.Printf("[chat-shm] add: %v", err)
				return
			}
		case cmdline.KindQuery:
			if err := eng.Query(cmd.Room, cmd.Topics, cmd.Count, sinks); err != nil {
				log.Printf("[chat-shm] query: %v", err)
				return
			}
		case cmdline.KindEnd:
			eng.End()
			return
		}
	}
	eng.End()
}
