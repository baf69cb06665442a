//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"chathive/internal/protocol"
	"chathive/internal/reexec"
)

// The shared-memory transport uses a single mmap'd buffer guarded by a
// binary "memory" semaphore, plus two more semaphores the sender posts to
// announce "data is ready" to whichever side is the intended reader. Go
// has no cgo-free named-semaphore primitive with a pshared attribute, so
// each semaphore is replaced by an eventfd created with EFD_SEMAPHORE: an
// 8-byte read blocks until the counter is positive and then decrements it
// (wait), an 8-byte write of 1 increments it (post) — the same semantics a
// POSIX semaphore's wait/post pair provides, without requiring cgo.
const (
	shmRegionFD    = 3 // memfd backing the shared buffer
	shmMemSemFD    = 4 // MEMORY_SEM: the buffer is empty and may be written
	shmServerSemFD = 5 // SERVER_DATA_SEM: posted when a client sends a request
	shmClientSemFD = 6 // CLIENT_DATA_SEM: posted when the server sends a response

	shmWorkerFlag = "--shm-worker"

	// lengthPrefixSize is the 8-byte chunk length header written ahead
	// of each buffer payload, letting variable-length ClientHeader/ADD/
	// QUERY payloads share one fixed-size mmap region.
	lengthPrefixSize = 8
)

// shmRegion is the mmap'd buffer plus its three semaphore eventfds, shared
// verbatim between the parent and the re-exec'd worker via inherited fds.
type shmRegion struct {
	memfd   *os.File
	mem     []byte
	bufSize int

	memSem    *os.File
	serverSem *os.File
	clientSem *os.File
}

func wait(sem *os.File) error {
	var buf [8]byte
	if _, err := sem.Read(buf[:]); err != nil {
		return fmt.Errorf("transport: semaphore wait: %w", err)
	}
	return nil
}

func post(sem *os.File) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := sem.Write(buf[:]); err != nil {
		return fmt.Errorf("transport: semaphore post: %w", err)
	}
	return nil
}

// newShmRegion creates the memfd, sizes it to bufSize+lengthPrefixSize,
// maps it MAP_SHARED, and creates the three semaphore eventfds. MEMORY_SEM
// starts posted once (count 1) so the first sender's wait succeeds
// immediately; both data semaphores start at 0.
func newShmRegion(bufSize int) (*shmRegion, error) {
	fd, err := unix.MemfdCreate("chathive-shm", 0)
	if err != nil {
		return nil, fmt.Errorf("transport: memfd_create: %w", err)
	}
	memfd := os.NewFile(uintptr(fd), "chathive-shm")

	total := bufSize + lengthPrefixSize
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		memfd.Close()
		return nil, fmt.Errorf("transport: ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		memfd.Close()
		return nil, fmt.Errorf("transport: mmap: %w", err)
	}

	memSemFD, err := unix.Eventfd(1, unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("transport: eventfd (memory sem): %w", err)
	}
	serverSemFD, err := unix.Eventfd(0, unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("transport: eventfd (server sem): %w", err)
	}
	clientSemFD, err := unix.Eventfd(0, unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("transport: eventfd (client sem): %w", err)
	}

	return &shmRegion{
		memfd:     memfd,
		mem:       mem,
		bufSize:   bufSize,
		memSem:    os.NewFile(uintptr(memSemFD), "memory-sem"),
		serverSem: os.NewFile(uintptr(serverSemFD), "server-data-sem"),
		clientSem: os.NewFile(uintptr(clientSemFD), "client-data-sem"),
	}, nil
}

// shmChannel implements protocol.Channel over a shmRegion. Unlike the
// stream transports it is message-oriented: each Flush hands the
// accumulated write buffer to the peer as one or more semaphore-signalled
// chunks, and ReceiveBytes draws from a locally buffered message, pulling
// new chunks across the region when the buffer runs dry.
type shmChannel struct {
	region   *shmRegion
	isServer bool

	out     []byte
	pending []byte
}

func newShmChannel(region *shmRegion, isServer bool) *shmChannel {
	return &shmChannel{region: region, isServer: isServer}
}

func (c *shmChannel) SendBytes(data []byte) error {
	c.out = append(c.out, data...)
	return nil
}

// Flush transfers the accumulated outgoing bytes in chunks of at most
// bufSize. Per chunk: wait for the memory semaphore (the buffer is free),
// copy the chunk in, and post the peer's data semaphore. The receiver, not
// the sender, posts the memory semaphore back once it has copied the chunk
// out; that hand-off is what makes the single-slot buffer safe — a second
// Flush cannot overwrite a chunk the peer has not yet consumed.
func (c *shmChannel) Flush() error {
	var dataSem *os.File
	if c.isServer {
		dataSem = c.region.clientSem
	} else {
		dataSem = c.region.serverSem
	}
	for len(c.out) > 0 {
		n := len(c.out)
		if n > c.region.bufSize {
			n = c.region.bufSize
		}
		if err := wait(c.region.memSem); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(c.region.mem[:lengthPrefixSize], uint64(n))
		copy(c.region.mem[lengthPrefixSize:], c.out[:n])
		if err := post(dataSem); err != nil {
			return err
		}
		c.out = c.out[n:]
	}
	c.out = c.out[:0]
	return nil
}

// recvChunk blocks for the next chunk addressed to this side, appends it
// to the pending buffer, and posts the memory semaphore to hand the buffer
// back to whichever sender is waiting on it.
func (c *shmChannel) recvChunk() error {
	var dataSem *os.File
	if c.isServer {
		dataSem = c.region.serverSem
	} else {
		dataSem = c.region.clientSem
	}
	if err := wait(dataSem); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(c.region.mem[:lengthPrefixSize])
	msg := make([]byte, n)
	copy(msg, c.region.mem[lengthPrefixSize:lengthPrefixSize+int(n)])
	if err := post(c.region.memSem); err != nil {
		return err
	}
	c.pending = append(c.pending, msg...)
	return nil
}

func (c *shmChannel) ReceiveBytes(n int) ([]byte, error) {
	for len(c.pending) < n {
		if err := c.recvChunk(); err != nil {
			return nil, err
		}
	}
	out := make([]byte, n)
	copy(out, c.pending[:n])
	c.pending = c.pending[n:]
	return out, nil
}

func (c *shmChannel) Close() error {
	unix.Munmap(c.region.mem)
	var firstErr error
	for _, f := range []*os.File{c.region.memfd, c.region.memSem, c.region.serverSem, c.region.clientSem} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ protocol.Channel = (*shmChannel)(nil)

// SpawnShmServer creates a shared-memory region of bufSize bytes, re-execs
// this binary as the server side with the region's fds inherited, and
// returns the parent-side (client) channel.
func SpawnShmServer(workerArgs []string, bufSize int) (protocol.Channel, error) {
	region, err := newShmRegion(bufSize)
	if err != nil {
		return nil, err
	}
	cmd, err := reexec.Self(append(workerArgs, shmWorkerFlag),
		region.memfd, region.memSem, region.serverSem, region.clientSem)
	if err != nil {
		return nil, fmt.Errorf("transport: spawn shm worker: %w", err)
	}
	reexec.Reap(cmd)
	return newShmChannel(region, false), nil
}

// IsShmWorker reports whether this process was re-exec'd by
// SpawnShmServer.
func IsShmWorker(args []string) bool {
	for _, a := range args {
		if a == shmWorkerFlag {
			return true
		}
	}
	return false
}

// ChildShmChannel reconstructs the server-side channel from the region fds
// a shm worker inherited at fixed descriptor numbers 3-6.
func ChildShmChannel(bufSize int) protocol.Channel {
	memfd := os.NewFile(shmRegionFD, "chathive-shm")
	total := bufSize + lengthPrefixSize
	mem, err := unix.Mmap(int(memfd.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		panic(fmt.Sprintf("transport: child mmap: %v", err))
	}
	region := &shmRegion{
		memfd:     memfd,
		mem:       mem,
		bufSize:   bufSize,
		memSem:    os.NewFile(shmMemSemFD, "memory-sem"),
		serverSem: os.NewFile(shmServerSemFD, "server-data-sem"),
		clientSem: os.NewFile(shmClientSemFD, "client-data-sem"),
	}
	return newShmChannel(region, true)
}
