package region

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-hdsm/hdsm/pkg/sys"
)

const (
	maxPathLen = 256

	// DescriptorSize is the encoded size of a Descriptor.
	DescriptorSize = 8 + 8 + 4 + 4 + 8 + maxPathLen
)

// Descriptor describes a region to a peer: bounds, permissions and
// backing identity. A descriptor with End <= Start means "no region".
type Descriptor struct {
	Start, End uint64
	Perm       sys.Perm
	Owner      uint32
	Inode      uint64
	Path       string
}

func (d *Descriptor) Empty() bool { return d.End <= d.Start }

func (d *Descriptor) Contains(addr uint64) bool {
	return addr >= d.Start && addr < d.End
}

// MarshalBinary encodes d in its fixed size little endian layout. Paths
// are kept to 255 bytes plus a terminating NUL; the inode is what
// identifies the backing file.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint64(buf[0:], d.Start)
	binary.LittleEndian.PutUint64(buf[8:], d.End)
	binary.LittleEndian.PutUint32(buf[16:], uint32(d.Perm))
	binary.LittleEndian.PutUint32(buf[20:], d.Owner)
	binary.LittleEndian.PutUint64(buf[24:], d.Inode)
	path := d.Path
	if len(path) > maxPathLen-1 {
		path = path[:maxPathLen-1]
	}
	copy(buf[32:], path)
	return buf, nil
}

func (d *Descriptor) UnmarshalBinary(buf []byte) error {
	if len(buf) != DescriptorSize {
		return fmt.Errorf("region descriptor: got %d bytes, want %d", len(buf), DescriptorSize)
	}
	d.Start = binary.LittleEndian.Uint64(buf[0:])
	d.End = binary.LittleEndian.Uint64(buf[8:])
	d.Perm = sys.Perm(binary.LittleEndian.Uint32(buf[16:]))
	d.Owner = binary.LittleEndian.Uint32(buf[20:])
	d.Inode = binary.LittleEndian.Uint64(buf[24:])
	path := buf[32:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	d.Path = string(path)
	return nil
}
