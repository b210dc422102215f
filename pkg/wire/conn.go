package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/logflags"
)

// MaxPathLen bounds the executable path accepted during the handshake.
const MaxPathLen = 4096

// Conn is one end of the connection between the two nodes.
//
// The protocol carries no request ids, so Conn serializes round trips: a
// SendAndAwait holds the connection until its whole response has been
// read and only one request is ever in flight.
type Conn struct {
	rw  io.ReadWriteCloser
	log logflags.Logger

	mu sync.Mutex
}

// NewConn wraps rw. Reads are not buffered: the descriptor may be handed
// to another process and no byte past the current message may be
// consumed.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw, log: logflags.WireLogger()}
}

// Dial connects to a peer listening on addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &dsmerr.TransportError{Op: "dial " + addr, Err: err}
	}
	return NewConn(c), nil
}

// FromFD returns a Conn for an inherited socket descriptor.
func FromFD(fd int) (*Conn, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("hdsm-socket-%d", fd))
	if f == nil {
		return nil, &dsmerr.TransportError{Op: "inherit socket", Err: fmt.Errorf("invalid descriptor %d", fd)}
	}
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, &dsmerr.TransportError{Op: "inherit socket", Err: err}
	}
	return NewConn(c), nil
}

// File returns a duplicate of the underlying socket descriptor, to be
// inherited by a child process.
func (c *Conn) File() (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fc, ok := c.rw.(filer)
	if !ok {
		return nil, errors.New("connection has no file descriptor")
	}
	return fc.File()
}

func (c *Conn) write(op string, buf []byte) error {
	if _, err := c.rw.Write(buf); err != nil {
		return &dsmerr.TransportError{Op: op, Err: err}
	}
	return nil
}

func (c *Conn) readFull(op string, buf []byte) error {
	if n, err := io.ReadFull(c.rw, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &dsmerr.ProtocolViolation{Context: op, Detail: fmt.Sprintf("expected %d bytes, got %d", len(buf), n), Err: err}
		}
		return &dsmerr.TransportError{Op: op, Err: err}
	}
	return nil
}

// Send writes a frame. Header and body are never interleaved with other
// messages.
func (c *Conn) Send(op Op, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(op, payload)
}

func (c *Conn) sendLocked(op Op, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%v payload of %d bytes exceeds %d", op, len(payload), MaxPayload)
	}
	if logflags.Wire() {
		c.log.Debugf("<- %v len=%d", op, len(payload))
	}
	return c.write(op.String(), encodeFrame(op, payload))
}

// SendAndAwait writes a frame and blocks until exactly n response bytes
// have been read.
func (c *Conn) SendAndAwait(op Op, payload []byte, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendLocked(op, payload); err != nil {
		return nil, err
	}
	resp := make([]byte, n)
	if err := c.readFull(op.String()+" response", resp); err != nil {
		return nil, err
	}
	if logflags.Wire() {
		c.log.Debugf("-> %v response len=%d", op, n)
	}
	return resp, nil
}

// ReadFrame reads the next request.
func (c *Conn) ReadFrame() (Frame, error) {
	f, err := readFrame(c.rw)
	if err == nil && logflags.Wire() {
		c.log.Debugf("-> %v len=%d", f.Op, len(f.Payload))
	}
	return f, err
}

// Reply writes an unframed response.
func (c *Conn) Reply(op Op, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if logflags.Wire() {
		c.log.Debugf("<- %v response len=%d", op, len(data))
	}
	return c.write(op.String()+" response", data)
}

// WritePath sends the executable path of the departing process, as a
// u32 length followed by the path bytes.
func (c *Conn) WritePath(path string) error {
	if len(path) == 0 || len(path) > MaxPathLen {
		return fmt.Errorf("executable path length %d out of range", len(path))
	}
	buf := make([]byte, 4+len(path))
	binary.LittleEndian.PutUint32(buf, uint32(len(path)))
	copy(buf[4:], path)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write("handshake", buf)
}

// ReadPath reads the executable path sent by WritePath. It consumes
// exactly the declared number of bytes; a short read is a
// ProtocolViolation and is never retried.
func (c *Conn) ReadPath() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hdr [4]byte
	if err := c.readFull("handshake", hdr[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 || n > MaxPathLen {
		return "", &dsmerr.ProtocolViolation{Context: "handshake", Detail: fmt.Sprintf("executable path length %d out of range", n)}
	}
	buf := make([]byte, n)
	if err := c.readFull("handshake", buf); err != nil {
		var pv *dsmerr.ProtocolViolation
		if errors.As(err, &pv) {
			return "", err
		}
		// the length was announced, so any end of stream here is a short read
		return "", &dsmerr.ProtocolViolation{Context: "handshake", Detail: fmt.Sprintf("expected %d path bytes", n), Err: err}
	}
	if logflags.Wire() {
		c.log.Debugf("-> handshake %q", buf)
	}
	return string(buf), nil
}

func (c *Conn) Close() error {
	return c.rw.Close()
}
