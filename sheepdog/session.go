package sheepdog

import (
	"math"
	"sync"

	pkgerrors "github.com/pkg/errors"
	commonlog "github.com/prometheus/common/log"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sheepdog-project/sheepdog-tcmu/sheepdog/proto"
)

// CurrentVdiID is the snapshot id meaning "the live, writable head of the
// lineage" rather than a specific historical snapshot.
const CurrentVdiID = 0

// Session is a per-open-volume AccessInfo (§3): the open connection, the
// cached inode (authoritative for reads, written back after allocating
// writes), and the dirty-data-index hint window. IO, Sync, Stat, Ping and
// Discard each hold the session mutex for their whole duration, so calls
// from several goroutines (a pool of SCSI workers, the keepalive ticker)
// run one at a time over the single connection.
type Session struct {
	mu sync.Mutex

	endpoint string
	client   *Client
	Inode    *Inode

	minDirtyDataIdx uint32
	maxDirtyDataIdx uint32

	lastWriteAllocated bool

	correlationID xid.ID

	// OnReload, if set, is invoked after every successful stale-inode
	// reload. Lets a caller (the metrics layer) count reload events
	// without this package importing anything Prometheus-specific.
	OnReload func()
}

// Open connects to endpoint, locks the VDI named name, opens a fresh
// connection owned by the session, and reads the inode (§4.4 open).
func Open(endpoint, name string) (*Session, error) {
	conn, err := Dial(endpoint)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sheepdog: open")
	}
	client := NewClient(conn)

	vdiID, err := client.LockVDI(name, "", CurrentVdiID)
	client.Close()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "sheepdog: lock vdi %q", name)
	}

	conn, err = Dial(endpoint)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sheepdog: open")
	}
	client = NewClient(conn)

	s := &Session{
		endpoint:        endpoint,
		client:          client,
		minDirtyDataIdx: math.MaxUint32,
		maxDirtyDataIdx: 0,
		correlationID:   xid.New(),
	}

	buf, err := client.ReadObject(VIDToVdiOID(vdiID), SDInodeSize, 0)
	if err != nil {
		client.Close()
		return nil, pkgerrors.Wrapf(err, "sheepdog: read inode for vdi %d", vdiID)
	}
	s.Inode = DecodeInode(buf)

	logrus.WithFields(logrus.Fields{
		"volume":      name,
		"vdi_id":      vdiID,
		"correlation": s.correlationID.String(),
	}).Debug("sheepdog: session opened")
	return s, nil
}

// Close releases the VDI lock and closes the socket. A RELEASE_VDI result
// other than SUCCESS or VDI_LOCKED (the server's way of saying "this
// session doesn't hold the lock anymore") is logged but does not prevent
// the close.
func (s *Session) Close() error {
	result, err := s.client.ReleaseVDI(s.Inode.VdiID)
	if err != nil {
		logrus.WithError(err).Warn("sheepdog: release_vdi transport error on close")
	} else if result != proto.Success && result != proto.VdiLocked {
		logrus.WithField("result", result.String()).Warn("sheepdog: release_vdi returned unexpected result on close")
	}
	return s.client.Close()
}

// Sync flushes the inode object server-side (§4.4 sync). INVALID_PARMS is
// treated as success: the server is not running an object-cache layer.
func (s *Session) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.FlushVDI(s.Inode.VdiID)
}

// VolumeStat is the read-only snapshot returned by Stat.
type VolumeStat struct {
	VdiSize      uint64
	NrCopies     uint8
	BlockSzShift uint8
}

// Stat issues GET_VDI_INFO for the session's own volume over the same
// connection Sync() uses (serialized against IO() by s.mu, same as
// Sync/Ping), re-reads the live inode object, and returns a snapshot of
// its size/copies/block-size fields. The cached inode is refreshed in
// place exactly like reload() does, including leaving the dirty-data-
// index window untouched (§9), so a caller always sees the current
// VdiSize even after another client resized the VDI out from under this
// session. Supplementary read-only operation (SPEC_FULL.md §13).
func (s *Session) Stat() (VolumeStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vid, err := s.client.GetVDIInfo(s.Inode.NameString(), "", CurrentVdiID)
	if err != nil {
		return VolumeStat{}, pkgerrors.Wrap(err, "sheepdog: get vdi info")
	}
	buf, err := s.client.ReadObject(VIDToVdiOID(vid), SDInodeSize, 0)
	if err != nil {
		return VolumeStat{}, pkgerrors.Wrap(err, "sheepdog: read inode")
	}
	s.Inode = DecodeInode(buf)

	return VolumeStat{
		VdiSize:      s.Inode.VdiSize,
		NrCopies:     s.Inode.NrCopies,
		BlockSzShift: s.Inode.BlockSzShift,
	}, nil
}

// Ping issues an idempotent FLUSH_VDI purely to detect a dead connection
// on a timer, outside of IO()/Sync(). Supplementary feature (SPEC_FULL.md
// §13); never called by IO or Sync, so it cannot change any of their
// observable behavior.
func (s *Session) Ping() error {
	return s.Sync()
}

// piece is one per-object slice of a linear IO() request.
type piece struct {
	idx    uint32
	objOff int64
	size   int
	bufOff int
}

// splitPieces slices [offset, offset+len(buf)) into per-object pieces
// aligned to SDDataObjSize, in ascending object-index order (§4.4 io()).
func splitPieces(offset int64, n int) []piece {
	idxFirst := idxFromOffset(offset)
	idxLastExcl := uint32(ceilDiv(offset+int64(n), SDDataObjSize))

	var pieces []piece
	remaining := n
	bufOff := 0
	cur := offset
	for idx := idxFirst; idx < idxLastExcl; idx++ {
		objOff := cur - int64(idx)*SDDataObjSize
		size := int(SDDataObjSize - objOff)
		if size > remaining {
			size = remaining
		}
		pieces = append(pieces, piece{idx: idx, objOff: objOff, size: size, bufOff: bufOff})
		cur += int64(size)
		bufOff += size
		remaining -= size
	}
	return pieces
}

// IO is the central algorithm (§4.4): slice the linear request into
// per-object pieces, decide create/COW/reuse per piece from the inode's
// indirection table, issue the object RPC, handle stale-inode reloads,
// and perform deferred inode writeback once every piece has succeeded.
func (s *Session) IO(write bool, buf []byte, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pieces := splitPieces(offset, len(buf))
	needUpdateInode := false

	for _, p := range pieces {
		slice := buf[p.bufOff : p.bufOff+p.size]
		if write {
			reloaded, err := s.writePieceWithRetry(p, slice)
			if err != nil {
				return err
			}
			if reloaded {
				needUpdateInode = needUpdateInode || s.lastWriteAllocated
			} else if s.lastWriteAllocated {
				needUpdateInode = true
			}
		} else {
			if err := s.readPiece(p, slice); err != nil {
				return err
			}
		}
	}

	if write && needUpdateInode {
		if err := s.updateInode(); err != nil {
			return pkgerrors.Wrap(err, "sheepdog: update inode")
		}
	}
	return nil
}

// ReadAt implements io.ReaderAt over the volume, satisfying the SCSI
// adapter's ReadWriterAt contract.
func (s *Session) ReadAt(p []byte, off int64) (int, error) {
	if err := s.IO(false, p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt over the volume, satisfying the SCSI
// adapter's ReadWriterAt contract.
func (s *Session) WriteAt(p []byte, off int64) (int, error) {
	if err := s.IO(true, p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// readPiece implements the read path for one piece: an unallocated slot
// (data_vdi_id[idx] == 0) is zero-filled with no RPC issued at all.
func (s *Session) readPiece(p piece, dst []byte) error {
	vid := s.Inode.DataVdiID[p.idx]
	if vid == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	oid := VIDToDataOID(vid, p.idx)
	data, err := s.client.ReadObject(oid, p.size, p.objOff)
	if err != nil {
		return pkgerrors.Wrapf(err, "sheepdog: read object idx=%d", p.idx)
	}
	copy(dst, data)
	return nil
}

// writePieceWithRetry issues one piece's write, reloading the inode and
// retrying the piece each time the result is stale-inode (READONLY); the
// number of retries is not bounded. It records via
// s.lastWriteAllocated whether the write that finally succeeded was
// allocating, so IO can decide whether an inode writeback is owed.
func (s *Session) writePieceWithRetry(p piece, src []byte) (reloaded bool, err error) {
	for {
		oid, opts, allocating := s.decideWrite(p)
		needReload, err := s.client.WriteObject(oid, src, p.objOff, opts)
		if err != nil {
			return false, pkgerrors.Wrapf(err, "sheepdog: write object idx=%d", p.idx)
		}
		if needReload {
			if err := s.reload(); err != nil {
				return false, pkgerrors.Wrap(err, "sheepdog: stale-inode reload")
			}
			reloaded = true
			continue
		}
		s.lastWriteAllocated = allocating
		return reloaded, nil
	}
}

// decideWrite implements the write-path decision table in §4.4: reuse the
// object in place if the slot already belongs to this inode's own VID,
// otherwise allocate (optionally copy-on-write from the parent-owned
// object) and repoint the slot at this inode's VID.
func (s *Session) decideWrite(p piece) (oid uint64, opts WriteOpts, allocating bool) {
	owner := s.Inode.DataVdiID[p.idx]
	mine := s.Inode.VdiID

	if owner == mine && owner != 0 {
		return VIDToDataOID(mine, p.idx), WriteOpts{Copies: uint32(s.Inode.NrCopies)}, false
	}

	opts = WriteOpts{Create: true, Copies: uint32(s.Inode.NrCopies)}
	if owner != 0 {
		opts.CowOID = VIDToDataOID(owner, p.idx)
		opts.Flags = proto.CmdCow
	}
	oid = VIDToDataOID(mine, p.idx)

	if p.idx < s.minDirtyDataIdx {
		s.minDirtyDataIdx = p.idx
	}
	if p.idx > s.maxDirtyDataIdx {
		s.maxDirtyDataIdx = p.idx
	}
	s.Inode.DataVdiID[p.idx] = mine
	return oid, opts, true
}

// reload implements the stale-inode reload (§4.4): re-resolve the VID by
// name and re-read the inode in full, overwriting the in-memory copy
// including the indirection table and vdi_id. The dirty window is
// deliberately NOT reset (§9 open question: match source behavior).
func (s *Session) reload() error {
	name := s.Inode.NameString()
	vid, err := s.findVDIName(name, CurrentVdiID, "", false)
	if err != nil {
		return pkgerrors.Wrap(err, "find vdi")
	}
	buf, err := s.client.ReadObject(VIDToVdiOID(vid), SDInodeSize, 0)
	if err != nil {
		return pkgerrors.Wrap(err, "read inode")
	}
	s.Inode = DecodeInode(buf)
	commonlog.Debugf("sheepdog: reloaded inode, new vdi_id=%d", vid)
	if s.OnReload != nil {
		s.OnReload()
	}
	return nil
}

// findVDIName opens a fresh throwaway connection and resolves name/snapid/
// tag to a vdiID, via GET_VDI_INFO when forSnapshot is set, LOCK_VDI
// otherwise (§4.4 find_vdi_name).
func (s *Session) findVDIName(name string, snapID uint32, tag string, forSnapshot bool) (uint32, error) {
	conn, err := Dial(s.endpoint)
	if err != nil {
		return 0, err
	}
	client := NewClient(conn)
	defer client.Close()

	if forSnapshot {
		return client.GetVDIInfo(name, tag, snapID)
	}
	return client.LockVDI(name, tag, snapID)
}

// updateInode is a full-object write of the cached inode to its own OID,
// at offset 0, create=false, no flags (§4.4). The dirty window could
// bound a partial write as a future optimization, but the observable
// contract by default is a full write of SD_INODE_SIZE bytes.
func (s *Session) updateInode() error {
	buf := s.Inode.Encode()
	needReload, err := s.client.WriteObject(VIDToVdiOID(s.Inode.VdiID), buf, 0, WriteOpts{Copies: uint32(s.Inode.NrCopies)})
	if err != nil {
		return err
	}
	if needReload {
		// The inode object itself became read-only mid-write: reload and
		// retry once. This cannot recurse indefinitely in practice since
		// a freshly reloaded inode names a VID this session just locked.
		if err := s.reload(); err != nil {
			return err
		}
		buf = s.Inode.Encode()
		_, err := s.client.WriteObject(VIDToVdiOID(s.Inode.VdiID), buf, 0, WriteOpts{Copies: uint32(s.Inode.NrCopies)})
		return err
	}
	return nil
}

// Discard zeroes the in-memory slot ownership for the pieces covering
// [offset, offset+n), without issuing any object RPC (mirroring the
// read-of-unallocated-is-zero invariant). Supplementary feature
// (SPEC_FULL.md §13); not part of the core read/write/sync contract.
func (s *Session) Discard(offset int64, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range splitPieces(offset, n) {
		s.Inode.DataVdiID[p.idx] = 0
	}
	return nil
}
