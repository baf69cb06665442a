// Package transport implements four duplex byte-channel adapters:
// anonymous pipes, named FIFOs, a shared-memory region guarded by
// semaphores, and TCP. Every adapter satisfies protocol.Channel, and the
// stream-oriented ones (pipe, FIFO, TCP) also satisfy protocol.LineChannel
// so the protocol package can frame headers as an ASCII line rather than a
// packed struct.
package transport

import (
	"bufio"
	"fmt"
	"io"

	"chathive/internal/protocol"
)

// streamChannel adapts any byte-stream duplex (pipe ends, FIFO pair, TCP
// connection) to protocol.LineChannel. Partial reads are absorbed by
// reading in a loop until the requested count arrives.
type streamChannel struct {
	r       *bufio.Reader
	w       *bufio.Writer
	closers []io.Closer
}

func newStreamChannel(r io.Reader, w io.Writer, closers ...io.Closer) *streamChannel {
	return &streamChannel{
		r:       bufio.NewReaderSize(r, 4096),
		w:       bufio.NewWriterSize(w, 4096),
		closers: closers,
	}
}

func (c *streamChannel) SendBytes(data []byte) error {
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (c *streamChannel) Flush() error {
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("transport: flush: %w", err)
	}
	return nil
}

// ReceiveBytes reads exactly n bytes, looping over partial reads; short
// I/O (including EOF before n bytes arrive) is reported as an error.
func (c *streamChannel) ReceiveBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("transport: short read (wanted %d bytes): %w", n, err)
	}
	return buf, nil
}

// ReceiveLine reads one '\n'-terminated line (not including the newline).
// maxLen bounds the total line length including the newline.
func (c *streamChannel) ReceiveLine(maxLen int) ([]byte, error) {
	line, err := c.r.ReadSlice('\n')
	if err != nil {
		return nil, fmt.Errorf("transport: receive line: %w", err)
	}
	if len(line) > maxLen {
		return nil, fmt.Errorf("transport: header line exceeds %d bytes", maxLen)
	}
	out := make([]byte, len(line)-1)
	copy(out, line[:len(line)-1])
	return out, nil
}

func (c *streamChannel) Close() error {
	var firstErr error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ protocol.LineChannel = (*streamChannel)(nil)
)
