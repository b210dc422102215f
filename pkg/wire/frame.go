// Package wire implements the framed request/response protocol spoken by
// the two nodes over their single persistent connection.
//
// A frame is a fixed 72 byte header: opcode (u32), payload length (u32)
// and a 64 byte inline buffer. Payloads that fit the inline buffer travel
// inside it; larger payloads follow the header as exactly length raw
// bytes. Responses are unframed: the requester knows how many bytes to
// expect. All integers are little endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-hdsm/hdsm/pkg/dsmerr"
)

// Op is a frame opcode.
type Op uint32

const (
	OpGetPage Op = iota
	OpPrint
	OpGetContext
	OpGetRegion
	OpExit
	OpMigrateBack

	numOps
)

var opNames = [numOps]string{
	OpGetPage:     "GET_PAGE",
	OpPrint:       "PRINT",
	OpGetContext:  "GET_CTXT",
	OpGetRegion:   "GET_PMAP",
	OpExit:        "EXIT",
	OpMigrateBack: "MIGRATE_BACK",
}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint32(op))
}

const (
	// InlineSize is the size of the inline payload buffer.
	InlineSize = 64
	// HeaderSize is the size of a frame header.
	HeaderSize = 8 + InlineSize
	// MaxPayload bounds the length a peer may declare.
	MaxPayload = 1 << 30
)

// Frame is a decoded request.
type Frame struct {
	Op      Op
	Payload []byte
}

// encodeFrame returns header and body in a single buffer so that they
// can be written with one call.
func encodeFrame(op Op, payload []byte) []byte {
	n := HeaderSize
	if len(payload) > InlineSize {
		n += len(payload)
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:], uint32(op))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(payload)))
	if len(payload) <= InlineSize {
		copy(buf[8:], payload)
	} else {
		copy(buf[HeaderSize:], payload)
	}
	return buf
}

// readFrame reads one frame from r. A stream that ends inside a frame is
// a ProtocolViolation, a stream that ends between frames a
// TransportError wrapping io.EOF.
func readFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, &dsmerr.ProtocolViolation{Context: "read frame", Detail: fmt.Sprintf("header truncated after %d bytes", n), Err: err}
		}
		return Frame{}, &dsmerr.TransportError{Op: "read frame", Err: err}
	}
	op := Op(binary.LittleEndian.Uint32(hdr[0:]))
	length := binary.LittleEndian.Uint32(hdr[4:])
	if op >= numOps {
		return Frame{}, &dsmerr.ProtocolViolation{Context: "read frame", Detail: fmt.Sprintf("unknown opcode %d", uint32(op))}
	}
	if length > MaxPayload {
		return Frame{}, &dsmerr.ProtocolViolation{Context: op.String(), Detail: fmt.Sprintf("declared length %d exceeds %d", length, MaxPayload)}
	}
	f := Frame{Op: op, Payload: make([]byte, length)}
	if length <= InlineSize {
		copy(f.Payload, hdr[8:8+length])
		return f, nil
	}
	if n, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, &dsmerr.ProtocolViolation{Context: op.String(), Detail: fmt.Sprintf("declared length %d, got %d bytes", length, n), Err: err}
	}
	return f, nil
}

// PageRequest is the payload of GET_PAGE.
type PageRequest struct {
	Addr, Len uint64
}

const (
	pageRequestSize   = 16
	regionRequestSize = 8
)

// Encode returns the GET_PAGE payload for p.
func (p PageRequest) Encode() []byte {
	buf := make([]byte, pageRequestSize)
	binary.LittleEndian.PutUint64(buf[0:], p.Addr)
	binary.LittleEndian.PutUint64(buf[8:], p.Len)
	return buf
}

// DecodePageRequest decodes a GET_PAGE payload.
func DecodePageRequest(payload []byte) (PageRequest, error) {
	if len(payload) != pageRequestSize {
		return PageRequest{}, &dsmerr.ProtocolViolation{Context: OpGetPage.String(), Detail: fmt.Sprintf("request is %d bytes, want %d", len(payload), pageRequestSize)}
	}
	return PageRequest{
		Addr: binary.LittleEndian.Uint64(payload[0:]),
		Len:  binary.LittleEndian.Uint64(payload[8:]),
	}, nil
}

// EncodeRegionRequest returns the GET_PMAP payload for addr.
func EncodeRegionRequest(addr uint64) []byte {
	buf := make([]byte, regionRequestSize)
	binary.LittleEndian.PutUint64(buf, addr)
	return buf
}

// DecodeRegionRequest decodes a GET_PMAP payload.
func DecodeRegionRequest(payload []byte) (uint64, error) {
	if len(payload) != regionRequestSize {
		return 0, &dsmerr.ProtocolViolation{Context: OpGetRegion.String(), Detail: fmt.Sprintf("request is %d bytes, want %d", len(payload), regionRequestSize)}
	}
	return binary.LittleEndian.Uint64(payload), nil
}
