// Package sheepdog implements the client-side translation layer between a
// SCSI logical unit and a Sheepdog-cluster virtual disk: the wire protocol
// client, the per-volume inode indirection, and the copy-on-write and
// stale-inode-reload logic that a Sheepdog-backed SCSI target core needs.
package sheepdog

const (
	// VDIBit marks an OID as addressing an inode object.
	VDIBit = uint64(1) << 63
	// VMStateBit marks an OID as addressing a VM-state object. This core
	// never allocates such objects but must preserve the bit when an OID
	// carrying it is forwarded (e.g. read back out of an inode field).
	VMStateBit = uint64(1) << 62

	// MaxDataObjs is the number of data-object slots a single VDI can
	// address: 2^20, a 20-bit index.
	MaxDataObjs = 1 << 20
	// MaxChildren bounds the snapshot-children table carried in the inode.
	MaxChildren = 1024

	// SDDataObjSize is the fixed size, in bytes, of one data object: 4 MiB.
	SDDataObjSize = 1 << 22

	dataIdxMask = uint64(MaxDataObjs - 1)
	vidShift    = 32
)

// VIDToVdiOID returns the OID of the inode object for volume vid.
func VIDToVdiOID(vid uint32) uint64 {
	return VDIBit | (uint64(vid) << vidShift)
}

// VIDToDataOID returns the OID of data-object slot idx owned by volume vid.
func VIDToDataOID(vid uint32, idx uint32) uint64 {
	return (uint64(vid) << vidShift) | uint64(idx&uint32(dataIdxMask))
}

// DataOIDToIdx extracts the data-object slot index from a data OID.
func DataOIDToIdx(oid uint64) uint32 {
	return uint32(oid & dataIdxMask)
}

// IsDataObj reports whether oid names a data object rather than an inode
// or VM-state object.
func IsDataObj(oid uint64) bool {
	return oid&VDIBit == 0
}

// idxFromOffset returns the data-object slot index covering byte offset off.
func idxFromOffset(off int64) uint32 {
	return uint32(off / SDDataObjSize)
}

// ceilDiv returns ceil(a/b) for non-negative a and positive b.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
