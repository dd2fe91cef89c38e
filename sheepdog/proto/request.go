package proto

import "fmt"

// ObjectRequestBody is the opcode-specific tail of a request targeting a
// single object (READ_OBJ, WRITE_OBJ, CREATE_AND_WRITE_OBJ, DISCARD_OBJ).
type ObjectRequestBody struct {
	OID    uint64
	CowOID uint64
	Copies uint32
	Offset uint64
}

// VdiRequestBody is the opcode-specific tail of a request targeting a VDI
// by name/id rather than a single object (NEW_VDI, LOCK_VDI, RELEASE_VDI,
// GET_VDI_INFO, READ_VDIS, FLUSH_VDI, DEL_VDI).
type VdiRequestBody struct {
	VdiSize uint64
	VdiID   uint32
	Copies  uint32
	SnapID  uint32
}

// GenericRequestBody is the opcode-specific tail for any opcode this
// client only forwards without interpreting.
type GenericRequestBody struct {
	Data [8]uint32
}

func (b ObjectRequestBody) Encode(tail []byte) {
	le.PutUint64(tail[0:], b.OID)
	le.PutUint64(tail[8:], b.CowOID)
	le.PutUint32(tail[16:], b.Copies)
	// tail[20:24] reserved, zero
	le.PutUint64(tail[24:], b.Offset)
}

func decodeObjectRequestBody(tail []byte) ObjectRequestBody {
	return ObjectRequestBody{
		OID:    le.Uint64(tail[0:]),
		CowOID: le.Uint64(tail[8:]),
		Copies: le.Uint32(tail[16:]),
		Offset: le.Uint64(tail[24:]),
	}
}

func (b VdiRequestBody) Encode(tail []byte) {
	le.PutUint64(tail[0:], b.VdiSize)
	le.PutUint32(tail[8:], b.VdiID)
	le.PutUint32(tail[12:], b.Copies)
	le.PutUint32(tail[16:], b.SnapID)
	// tail[20:32] reserved, zero
}

func decodeVdiRequestBody(tail []byte) VdiRequestBody {
	return VdiRequestBody{
		VdiSize: le.Uint64(tail[0:]),
		VdiID:   le.Uint32(tail[8:]),
		Copies:  le.Uint32(tail[12:]),
		SnapID:  le.Uint32(tail[16:]),
	}
}

func (b GenericRequestBody) Encode(tail []byte) {
	for i, v := range b.Data {
		le.PutUint32(tail[i*4:], v)
	}
}

func decodeGenericRequestBody(tail []byte) GenericRequestBody {
	var b GenericRequestBody
	for i := range b.Data {
		b.Data[i] = le.Uint32(tail[i*4:])
	}
	return b
}

// RequestBody is implemented by ObjectRequestBody, VdiRequestBody and
// GenericRequestBody: the tagged variants replacing the source's untyped
// 32-byte header tail.
type RequestBody interface {
	Encode(tail []byte)
}

// Request is one in-memory representation of a 48-byte request header,
// with its opcode-specific tail carried as a typed variant.
type Request struct {
	Flags      Flags
	Epoch      uint32
	ID         uint32
	DataLength uint32
	Opcode     Opcode
	Body       RequestBody
}

// EncodeRequest serializes req to its exact 48-byte on-wire form.
func EncodeRequest(req Request) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = ProtoVer
	buf[1] = byte(req.Opcode)
	le.PutUint16(buf[2:], uint16(req.Flags))
	le.PutUint32(buf[4:], req.Epoch)
	le.PutUint32(buf[8:], req.ID)
	le.PutUint32(buf[12:], req.DataLength)
	if req.Body != nil {
		req.Body.Encode(buf[commonPrefixSize:])
	}
	return buf
}

// DecodeRequest parses a 48-byte buffer into a Request, selecting the
// tail's variant from the decoded opcode.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) != HeaderSize {
		return Request{}, fmt.Errorf("proto: request header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	op := Opcode(buf[1])
	req := Request{
		Opcode:     op,
		Flags:      Flags(le.Uint16(buf[2:])),
		Epoch:      le.Uint32(buf[4:]),
		ID:         le.Uint32(buf[8:]),
		DataLength: le.Uint32(buf[12:]),
	}
	tail := buf[commonPrefixSize:]
	switch {
	case isObjectOpcode(op):
		req.Body = decodeObjectRequestBody(tail)
	case isVdiOpcode(op):
		req.Body = decodeVdiRequestBody(tail)
	default:
		req.Body = decodeGenericRequestBody(tail)
	}
	return req, nil
}
