package wire

import (
	"fmt"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/region"
)

// Client issues requests to the peer serving a Conn.
type Client struct {
	conn *Conn
}

func NewClient(conn *Conn) *Client {
	return &Client{conn: conn}
}

// Conn returns the underlying connection.
func (c *Client) Conn() *Conn { return c.conn }

// FetchPage reads length bytes at addr from the peer's memory.
func (c *Client) FetchPage(addr, length uint64) ([]byte, error) {
	if length == 0 || length > MaxPayload {
		return nil, fmt.Errorf("page request of %d bytes at %#x out of range", length, addr)
	}
	return c.conn.SendAndAwait(OpGetPage, PageRequest{Addr: addr, Len: length}.Encode(), int(length))
}

// FetchDescriptor asks the peer for the region containing addr. The
// descriptor returned by the peer must contain addr.
func (c *Client) FetchDescriptor(addr uint64) (region.Descriptor, error) {
	resp, err := c.conn.SendAndAwait(OpGetRegion, EncodeRegionRequest(addr), region.DescriptorSize)
	if err != nil {
		return region.Descriptor{}, err
	}
	var d region.Descriptor
	if err := d.UnmarshalBinary(resp); err != nil {
		return region.Descriptor{}, &dsmerr.ProtocolViolation{Context: OpGetRegion.String(), Detail: "bad descriptor", Err: err}
	}
	if !d.Contains(addr) {
		return region.Descriptor{}, &dsmerr.FaultResolutionError{Addr: addr, Err: fmt.Errorf("peer has no region containing the address (got %#x-%#x)", d.Start, d.End)}
	}
	return d, nil
}

// FetchContext asks the peer for the register snapshot of the departed
// thread.
func (c *Client) FetchContext() (arch.Snapshot, error) {
	resp, err := c.conn.SendAndAwait(OpGetContext, nil, arch.SnapshotSize)
	if err != nil {
		return arch.Snapshot{}, err
	}
	var s arch.Snapshot
	if err := s.UnmarshalBinary(resp); err != nil {
		return arch.Snapshot{}, &dsmerr.ProtocolViolation{Context: OpGetContext.String(), Detail: "bad register snapshot", Err: err}
	}
	return s, nil
}

// Print sends text to be printed by the peer.
func (c *Client) Print(msg string) error {
	return c.conn.Send(OpPrint, []byte(msg))
}

// Exit tells the peer to stop serving and terminate.
func (c *Client) Exit() error {
	return c.conn.Send(OpExit, nil)
}

// MigrateBack tells the peer to run its arrive path.
func (c *Client) MigrateBack() error {
	return c.conn.Send(OpMigrateBack, nil)
}
