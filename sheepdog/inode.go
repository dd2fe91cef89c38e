package sheepdog

import "encoding/binary"

// Field sizes and offsets for the on-wire inode layout (§3 of the data
// model). The table is genuinely 2^20 entries wide and is kept as a
// contiguous fixed-size array owned by the Session, not a sparse map:
// slot presence is encoded by the zero value, which is wire-observable.
const (
	inodeNameLen = 256
	inodeTagLen  = 256

	// SDInodeSize is the exact on-wire size of an Inode, in bytes.
	SDInodeSize = inodeNameLen + inodeTagLen + // name, tag
		8 + 8 + 8 + 8 + 8 + // create_time, snap_ctime, vm_clock_nsec, vdi_size, vm_state_size
		2 + 1 + 1 + 4 + 4 + 4 + // copy_policy, nr_copies, block_size_shift, snap_id, vdi_id, parent_vdi_id
		MaxChildren*4 +
		MaxDataObjs*4
)

// Inode is the fixed-layout metadata object describing one Sheepdog VDI:
// its size, replication factor, and the indirection table mapping a
// logical data-object slot to the VID that currently owns the physical
// object backing it.
type Inode struct {
	Name [inodeNameLen]byte
	Tag  [inodeTagLen]byte

	CreateTime   uint64
	SnapCtime    uint64
	VMClockNsec  uint64
	VdiSize      uint64
	VMStateSize  uint64
	CopyPolicy   uint16
	NrCopies     uint8
	BlockSzShift uint8
	SnapID       uint32
	VdiID        uint32
	ParentVdiID  uint32

	ChildVdiID [MaxChildren]uint32
	DataVdiID  [MaxDataObjs]uint32
}

// Encode serializes the inode to its exact SD_INODE_SIZE on-wire form.
func (ino *Inode) Encode() []byte {
	buf := make([]byte, SDInodeSize)
	off := 0
	off += copy(buf[off:], ino.Name[:])
	off += copy(buf[off:], ino.Tag[:])

	le := binary.LittleEndian
	le.PutUint64(buf[off:], ino.CreateTime)
	off += 8
	le.PutUint64(buf[off:], ino.SnapCtime)
	off += 8
	le.PutUint64(buf[off:], ino.VMClockNsec)
	off += 8
	le.PutUint64(buf[off:], ino.VdiSize)
	off += 8
	le.PutUint64(buf[off:], ino.VMStateSize)
	off += 8
	le.PutUint16(buf[off:], ino.CopyPolicy)
	off += 2
	buf[off] = ino.NrCopies
	off++
	buf[off] = ino.BlockSzShift
	off++
	le.PutUint32(buf[off:], ino.SnapID)
	off += 4
	le.PutUint32(buf[off:], ino.VdiID)
	off += 4
	le.PutUint32(buf[off:], ino.ParentVdiID)
	off += 4

	for i := range ino.ChildVdiID {
		le.PutUint32(buf[off:], ino.ChildVdiID[i])
		off += 4
	}
	for i := range ino.DataVdiID {
		le.PutUint32(buf[off:], ino.DataVdiID[i])
		off += 4
	}
	return buf
}

// DecodeInode parses an Inode from its exact SD_INODE_SIZE on-wire form.
func DecodeInode(buf []byte) *Inode {
	ino := &Inode{}
	off := 0
	off += copy(ino.Name[:], buf[off:off+inodeNameLen])
	off += copy(ino.Tag[:], buf[off:off+inodeTagLen])

	le := binary.LittleEndian
	ino.CreateTime = le.Uint64(buf[off:])
	off += 8
	ino.SnapCtime = le.Uint64(buf[off:])
	off += 8
	ino.VMClockNsec = le.Uint64(buf[off:])
	off += 8
	ino.VdiSize = le.Uint64(buf[off:])
	off += 8
	ino.VMStateSize = le.Uint64(buf[off:])
	off += 8
	ino.CopyPolicy = le.Uint16(buf[off:])
	off += 2
	ino.NrCopies = buf[off]
	off++
	ino.BlockSzShift = buf[off]
	off++
	ino.SnapID = le.Uint32(buf[off:])
	off += 4
	ino.VdiID = le.Uint32(buf[off:])
	off += 4
	ino.ParentVdiID = le.Uint32(buf[off:])
	off += 4

	for i := range ino.ChildVdiID {
		ino.ChildVdiID[i] = le.Uint32(buf[off:])
		off += 4
	}
	for i := range ino.DataVdiID {
		ino.DataVdiID[i] = le.Uint32(buf[off:])
		off += 4
	}
	return ino
}

// NameString returns the inode's volume name with its NUL padding trimmed.
func (ino *Inode) NameString() string {
	return trimNUL(ino.Name[:])
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// fixedString copies s into a fixed-length, NUL-padded byte array.
func fixedString(s string, out []byte) {
	n := copy(out, s)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}
