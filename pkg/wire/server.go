package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/region"
)

// ErrExit is returned by Serve after the peer sent EXIT.
var ErrExit = errors.New("peer requested exit")

// Handler serves one request. The returned bytes are sent back for
// opcodes that expect a response and must be ignored otherwise.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

type opSpec struct {
	// request is the payload size, -1 for variable.
	request int
	reply   bool
	// response returns the size of the response to payload.
	response func(payload []byte) int
}

var ops = [numOps]opSpec{
	OpGetPage: {request: pageRequestSize, reply: true, response: func(p []byte) int {
		req, _ := DecodePageRequest(p)
		return int(req.Len)
	}},
	OpPrint:       {request: -1},
	OpGetContext:  {request: 0, reply: true, response: func([]byte) int { return arch.SnapshotSize }},
	OpGetRegion:   {request: regionRequestSize, reply: true, response: func([]byte) int { return region.DescriptorSize }},
	OpExit:        {request: 0},
	OpMigrateBack: {request: 0},
}

// Server dispatches requests read from a Conn through a fixed
// opcode to handler table.
type Server struct {
	conn     *Conn
	handlers [numOps]Handler
	log      logflags.Logger
}

// NewServer returns a server for conn. EXIT is handled by default.
func NewServer(conn *Conn) *Server {
	s := &Server{conn: conn, log: logflags.WireLogger()}
	s.handlers[OpExit] = func(context.Context, []byte) ([]byte, error) { return nil, ErrExit }
	return s
}

// Handle installs h for op. It must not be called while serving.
func (s *Server) Handle(op Op, h Handler) {
	if op >= numOps {
		panic(fmt.Sprintf("invalid opcode %d", op))
	}
	s.handlers[op] = h
}

// Serve reads and dispatches requests until a handler returns an error.
// Requests whose size does not match their opcode, requests with no
// handler and responses of the wrong size are ProtocolViolations.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := s.conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, f); err != nil {
			return err
		}
	}
}

// ServeOne reads and dispatches a single request.
func (s *Server) ServeOne(ctx context.Context) error {
	f, err := s.conn.ReadFrame()
	if err != nil {
		return err
	}
	return s.dispatch(ctx, f)
}

func (s *Server) dispatch(ctx context.Context, f Frame) error {
	spec := ops[f.Op]
	if spec.request >= 0 && len(f.Payload) != spec.request {
		return &dsmerr.ProtocolViolation{Context: f.Op.String(), Detail: fmt.Sprintf("request is %d bytes, want %d", len(f.Payload), spec.request)}
	}
	h := s.handlers[f.Op]
	if h == nil {
		return &dsmerr.ProtocolViolation{Context: f.Op.String(), Detail: "unexpected request"}
	}
	resp, err := h(ctx, f.Payload)
	if err != nil {
		return err
	}
	if !spec.reply {
		return nil
	}
	if want := spec.response(f.Payload); len(resp) != want {
		return &dsmerr.ProtocolViolation{Context: f.Op.String(), Detail: fmt.Sprintf("handler produced %d bytes, response is %d", len(resp), want)}
	}
	return s.conn.Reply(f.Op, resp)
}
