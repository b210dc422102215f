package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/migrate"
	"github.com/go-hdsm/hdsm/pkg/region"
	"github.com/go-hdsm/hdsm/pkg/wire"
)

func (s *Session) newServer(conn *wire.Conn) *wire.Server {
	srv := wire.NewServer(conn)
	srv.Handle(wire.OpGetPage, s.getPage)
	srv.Handle(wire.OpPrint, s.print)
	srv.Handle(wire.OpGetContext, s.getContext)
	srv.Handle(wire.OpGetRegion, s.getRegion)
	srv.Handle(wire.OpMigrateBack, s.migrateBack)
	return srv
}

// lookup finds the region containing addr, re-reading the memory map
// once if it is not known: the peer may touch memory mapped after the
// catalog was built.
func (s *Session) lookup(addr uint64) (*region.Region, error) {
	r, err := s.Catalog.Lookup(addr)
	if !errors.Is(err, region.ErrNotFound) {
		return r, err
	}
	if err := s.Catalog.Refresh(s.cfg.Maps); err != nil {
		return nil, err
	}
	return s.Catalog.Lookup(addr)
}

func (s *Session) getPage(_ context.Context, payload []byte) ([]byte, error) {
	req, err := wire.DecodePageRequest(payload)
	if err != nil {
		return nil, err
	}
	if req.Len == 0 {
		return nil, &dsmerr.ProtocolViolation{Context: wire.OpGetPage.String(), Detail: "empty range"}
	}
	r, err := s.lookup(req.Addr)
	if err != nil {
		return nil, &dsmerr.ProtocolViolation{Context: wire.OpGetPage.String(), Detail: fmt.Sprintf("no region at %#x", req.Addr), Err: err}
	}
	if _, end := s.Catalog.Bounds(r); req.Addr+req.Len > end || req.Addr+req.Len < req.Addr {
		return nil, &dsmerr.ProtocolViolation{Context: wire.OpGetPage.String(), Detail: fmt.Sprintf("range %#x+%#x crosses the end of %v", req.Addr, req.Len, r)}
	}
	if r.Remote {
		// only pages held here may be served
		if absent := s.Catalog.AbsentRuns(r, req.Addr, req.Addr+req.Len); len(absent) > 0 {
			return nil, &dsmerr.ProtocolViolation{Context: wire.OpGetPage.String(), Detail: fmt.Sprintf("page %#x is not held by this node", absent[0][0])}
		}
	}
	buf := make([]byte, req.Len)
	if err := s.cfg.Memory.Load(req.Addr, buf); err != nil {
		return nil, &dsmerr.FaultResolutionError{Addr: req.Addr, Err: err}
	}
	s.Catalog.MarkLent(r, req.Addr, req.Len)
	return buf, nil
}

func (s *Session) getRegion(_ context.Context, payload []byte) ([]byte, error) {
	addr, err := wire.DecodeRegionRequest(payload)
	if err != nil {
		return nil, err
	}
	var d region.Descriptor
	r, err := s.lookup(addr)
	switch {
	case err == nil:
		d = r.Descriptor()
	case errors.Is(err, region.ErrNotFound):
		// an empty descriptor tells the peer there is no such region
		if logflags.Session() {
			s.log.Debugf("%v: nothing mapped at %#x", wire.OpGetRegion, addr)
		}
	default:
		return nil, err
	}
	return d.MarshalBinary()
}

func (s *Session) getContext(context.Context, []byte) ([]byte, error) {
	return s.Controller.Context()
}

func (s *Session) print(_ context.Context, payload []byte) ([]byte, error) {
	_, err := s.cfg.Out.Write(payload)
	return nil, err
}

func (s *Session) migrateBack(ctx context.Context, _ []byte) ([]byte, error) {
	if err := s.Arrive(ctx); err != nil {
		return nil, err
	}
	return nil, migrate.ErrResumed
}
