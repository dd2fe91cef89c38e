package sheepdog

import (
	"io"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sheepdog-project/sheepdog-tcmu/sheepdog/proto"
)

// scriptedServer reads one request at a time off a Connection and answers
// it with whatever handler returns, letting each test script exactly the
// daemon behavior it wants to exercise without a real Sheepdog cluster.
type scriptedServer struct {
	conn *Connection
	t    *testing.T
}

func newScriptedServer(t *testing.T, conn *Connection) *scriptedServer {
	return &scriptedServer{conn: conn, t: t}
}

// serveOne reads exactly one request and its write payload (if any),
// then writes back resp/payload.
func (s *scriptedServer) serveOne(resp func(req proto.Request, payload []byte) (proto.Response, []byte)) {
	hdr := make([]byte, proto.HeaderSize)
	require.NoError(s.t, s.conn.readAll(hdr))
	req, err := proto.DecodeRequest(hdr)
	require.NoError(s.t, err)

	var payload []byte
	if req.Flags&proto.CmdWrite != 0 && req.DataLength > 0 {
		payload = make([]byte, req.DataLength)
		require.NoError(s.t, s.conn.readAll(payload))
	}

	r, rpayload := resp(req, payload)
	r.Opcode = req.Opcode
	r.ID = req.ID
	r.DataLength = uint32(len(rpayload))
	out := append(proto.EncodeResponse(r), rpayload...)
	require.NoError(s.t, s.conn.writeAll(out))
}

func newTestSession(t *testing.T, ino *Inode) (*Session, *scriptedServer) {
	client, serverConn := pipeConnections()
	srv := newScriptedServer(t, serverConn)
	s := &Session{
		client: NewClient(client),
		Inode:  ino,
	}
	return s, srv
}

func baseInode() *Inode {
	ino := &Inode{
		VdiSize:      SDDataObjSize * 3,
		NrCopies:     1,
		BlockSzShift: 22,
		VdiID:        5,
	}
	fixedString("vol", ino.Name[:])
	return ino
}

func TestSplitPiecesSingleObject(t *testing.T) {
	pieces := splitPieces(10, 100)
	require.Len(t, pieces, 1)
	require.Equal(t, uint32(0), pieces[0].idx)
	require.Equal(t, int64(10), pieces[0].objOff)
	require.Equal(t, 100, pieces[0].size)
}

func TestSplitPiecesCrossesObjectBoundary(t *testing.T) {
	offset := int64(SDDataObjSize - 5)
	pieces := splitPieces(offset, 20)
	require.Len(t, pieces, 2)
	require.Equal(t, uint32(0), pieces[0].idx)
	require.Equal(t, 5, pieces[0].size)
	require.Equal(t, uint32(1), pieces[1].idx)
	require.Equal(t, int64(0), pieces[1].objOff)
	require.Equal(t, 15, pieces[1].size)
	require.Equal(t, 5, pieces[1].bufOff)
}

func TestReadUnallocatedSlotIsZeroFilled(t *testing.T) {
	s, _ := newTestSession(t, baseInode())
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = 0xFF
	}
	require.NoError(t, s.readPiece(piece{idx: 0, objOff: 0, size: len(buf)}, buf))
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestReadAllocatedSlotIssuesReadObj(t *testing.T) {
	ino := baseInode()
	ino.DataVdiID[2] = ino.VdiID
	s, srv := newTestSession(t, ino)

	done := make(chan error, 1)
	buf := make([]byte, 16)
	go func() {
		done <- s.readPiece(piece{idx: 2, objOff: 64, size: 16}, buf)
	}()

	srv.serveOne(func(req proto.Request, _ []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpReadObj, req.Opcode)
		body := req.Body.(proto.ObjectRequestBody)
		require.Equal(t, VIDToDataOID(ino.VdiID, 2), body.OID)
		require.Equal(t, uint64(64), body.Offset)
		return proto.Response{Result: proto.Success, Body: proto.ObjectResponseBody{}}, []byte("0123456789abcdef")
	})
	require.NoError(t, <-done)
	require.Equal(t, []byte("0123456789abcdef"), buf)
}

func TestDecideWriteReuseInPlace(t *testing.T) {
	ino := baseInode()
	ino.DataVdiID[1] = ino.VdiID
	s, _ := newTestSession(t, ino)

	oid, opts, allocating := s.decideWrite(piece{idx: 1})
	require.False(t, allocating)
	require.False(t, opts.Create)
	require.Equal(t, VIDToDataOID(ino.VdiID, 1), oid)
}

func TestDecideWriteAllocatesUnownedSlot(t *testing.T) {
	s, _ := newTestSession(t, baseInode())

	oid, opts, allocating := s.decideWrite(piece{idx: 4})
	require.True(t, allocating)
	require.True(t, opts.Create)
	require.Zero(t, opts.CowOID)
	require.Equal(t, VIDToDataOID(s.Inode.VdiID, 4), oid)
	require.Equal(t, s.Inode.VdiID, s.Inode.DataVdiID[4])
}

func TestDecideWriteCOWsParentOwnedSlot(t *testing.T) {
	ino := baseInode()
	ino.DataVdiID[4] = 99
	s, _ := newTestSession(t, ino)

	oid, opts, allocating := s.decideWrite(piece{idx: 4})
	require.True(t, allocating)
	require.True(t, opts.Create)
	require.Equal(t, VIDToDataOID(99, 4), opts.CowOID)
	require.Equal(t, proto.CmdCow, opts.Flags)
	require.Equal(t, VIDToDataOID(s.Inode.VdiID, 4), oid)
}

func TestIOWriteAllocatingTriggersInodeWriteback(t *testing.T) {
	s, srv := newTestSession(t, baseInode())

	errc := make(chan error, 1)
	buf := make([]byte, 16)
	go func() { errc <- s.IO(true, buf, 0) }()

	srv.serveOne(func(req proto.Request, _ []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpCreateAndWriteObj, req.Opcode)
		return proto.Response{Result: proto.Success, Body: proto.ObjectResponseBody{}}, nil
	})
	srv.serveOne(func(req proto.Request, payload []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpWriteObj, req.Opcode)
		require.Equal(t, VIDToVdiOID(s.Inode.VdiID), req.Body.(proto.ObjectRequestBody).OID)
		require.Len(t, payload, SDInodeSize)
		return proto.Response{Result: proto.Success, Body: proto.ObjectResponseBody{}}, nil
	})

	require.NoError(t, <-errc)
}

func TestIOWriteReuseInPlaceSkipsInodeWriteback(t *testing.T) {
	ino := baseInode()
	ino.DataVdiID[0] = ino.VdiID
	s, srv := newTestSession(t, ino)

	errc := make(chan error, 1)
	buf := make([]byte, 16)
	go func() { errc <- s.IO(true, buf, 0) }()

	srv.serveOne(func(req proto.Request, _ []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpWriteObj, req.Opcode)
		return proto.Response{Result: proto.Success, Body: proto.ObjectResponseBody{}}, nil
	})
	// No second serveOne: a reused in-place write must not trigger an
	// inode writeback RPC. If it did, IO would block forever waiting for
	// a response nobody sends, and the test would time out/deadlock.
	require.NoError(t, <-errc)
}

func TestStatReturnsInodeSnapshot(t *testing.T) {
	ino := baseInode()
	s, srv := newTestSession(t, ino)

	fresh := baseInode()
	fresh.VdiSize = ino.VdiSize * 2 // simulate a resize by another client

	type result struct {
		st  VolumeStat
		err error
	}
	resc := make(chan result, 1)
	go func() {
		st, err := s.Stat()
		resc <- result{st, err}
	}()

	srv.serveOne(func(req proto.Request, _ []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpGetVdiInfo, req.Opcode)
		return proto.Response{Result: proto.Success, Body: proto.VdiResponseBody{VdiID: ino.VdiID}}, nil
	})
	srv.serveOne(func(req proto.Request, _ []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpReadObj, req.Opcode)
		require.Equal(t, VIDToVdiOID(ino.VdiID), req.Body.(proto.ObjectRequestBody).OID)
		return proto.Response{Result: proto.Success}, fresh.Encode()
	})

	res := <-resc
	require.NoError(t, res.err)
	require.Equal(t, fresh.VdiSize, res.st.VdiSize)
	require.Equal(t, fresh.NrCopies, res.st.NrCopies)
}

// TestWriteRetriesExactlyOnceOnReadonlyAndKeepsDirtyWindow covers §8's
// stale-inode reload/retry: a WriteObject that comes back READONLY must
// trigger exactly one reload and one retry, and the reload must not reset
// the dirty-data-index window (§9 open question).
func TestWriteRetriesExactlyOnceOnReadonlyAndKeepsDirtyWindow(t *testing.T) {
	ino := baseInode()
	s, srv := newTestSession(t, ino)
	s.minDirtyDataIdx = math.MaxUint32
	s.maxDirtyDataIdx = 0

	// reload() resolves the vid on a fresh connection of its own (via
	// findVDIName/Dial), so it needs a real listener rather than the
	// in-memory pipe the main session connection uses.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	s.endpoint = ln.Addr().String()

	const reloadedVid = 99
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hdr := make([]byte, proto.HeaderSize)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		req, err := proto.DecodeRequest(hdr)
		if err != nil {
			return
		}
		payload := make([]byte, req.DataLength)
		io.ReadFull(conn, payload)
		resp := proto.Response{
			Opcode: req.Opcode,
			ID:     req.ID,
			Result: proto.Success,
			Body:   proto.VdiResponseBody{VdiID: reloadedVid},
		}
		conn.Write(proto.EncodeResponse(resp))
	}()

	var reloadCount int
	s.OnReload = func() { reloadCount++ }

	const idx = 2
	errc := make(chan error, 1)
	buf := make([]byte, 16)
	go func() { errc <- s.IO(true, buf, int64(idx)*SDDataObjSize) }()

	// First attempt: the slot is unowned, so this allocates and goes out
	// as CREATE_AND_WRITE_OBJ. Script a stale-inode result.
	srv.serveOne(func(req proto.Request, _ []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpCreateAndWriteObj, req.Opcode)
		return proto.Response{Result: proto.Readonly}, nil
	})

	// reload() re-reads the inode over the main session connection, after
	// re-resolving the vdi id on the throwaway connection above.
	reloaded := baseInode()
	reloaded.VdiID = reloadedVid
	reloaded.DataVdiID[idx] = reloadedVid
	srv.serveOne(func(req proto.Request, _ []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpReadObj, req.Opcode)
		require.Equal(t, VIDToVdiOID(reloadedVid), req.Body.(proto.ObjectRequestBody).OID)
		return proto.Response{Result: proto.Success}, reloaded.Encode()
	})

	// Retry: the reloaded inode already owns the slot under its own vid,
	// so this is a reuse-in-place WRITE_OBJ, not a second allocation.
	srv.serveOne(func(req proto.Request, _ []byte) (proto.Response, []byte) {
		require.Equal(t, proto.OpWriteObj, req.Opcode)
		require.Equal(t, VIDToDataOID(reloadedVid, idx), req.Body.(proto.ObjectRequestBody).OID)
		return proto.Response{Result: proto.Success}, nil
	})

	require.NoError(t, <-errc)
	require.Equal(t, 1, reloadCount)
	require.Equal(t, uint32(idx), s.minDirtyDataIdx)
	require.Equal(t, uint32(idx), s.maxDirtyDataIdx)
}

func TestDiscardClearsOwnership(t *testing.T) {
	ino := baseInode()
	ino.DataVdiID[0] = ino.VdiID
	s, _ := newTestSession(t, ino)

	require.NoError(t, s.Discard(0, 16))
	require.Equal(t, uint32(0), s.Inode.DataVdiID[0])
}
