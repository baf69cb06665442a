//go:build linux

// Command chatd-tcp is the multi-user TCP daemon: chatd-tcp PORT DBFILE_PATH.
// The launching process re-execs the long-lived daemon detached, waits for
// it to open its listener, prints the daemon PID on stdout, and exits 0.
// The daemon accepts one session per connection and broadcasts room
// activity between them.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"chathive/internal/reexec"
	"chathive/internal/server"
	"chathive/internal/store"
	"chathive/internal/transport"
)

const daemonFlag = "--tcp-daemon"

func main() {
	// Checked against the raw argv, before flag.Parse(), because the
	// daemon marker is re-exec'd as a plain positional token and the flag
	// package would otherwise choke trying to parse it as an undefined
	// flag.
	if len(os.Args) > 3 && os.Args[1] == daemonFlag {
		runDaemon(os.Args[2], os.Args[3])
		return
	}

	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: chatd-tcp PORT DBFILE_PATH")
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port < 1024 || port > 65535 {
		log.Fatalf("[chatd-tcp] PORT must be in [1024, 65535], got %q", flag.Arg(0))
	}
	dbPath := flag.Arg(1)

	pid, err := reexec.SpawnDaemon([]string{daemonFlag, flag.Arg(0), dbPath})
	if err != nil {
		log.Fatalf("[chatd-tcp] %v", err)
	}
	fmt.Println(pid)
}

func runDaemon(portStr, dbPath string) {
	s, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("[chatd-tcp] open store %s: %v", dbPath, err)
	}
	defer s.Close()

	ln, err := transport.ListenTCP(":" + portStr)
	if err != nil {
		log.Fatalf("[chatd-tcp] listen on port %s: %v", portStr, err)
	}
	reexec.NotifyReady()

	server.ServeTCP(s, ln)
}
