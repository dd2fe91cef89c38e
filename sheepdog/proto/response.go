package proto

import "fmt"

// ObjectResponseBody is the opcode-specific tail of a response to an
// object-family request.
type ObjectResponseBody struct {
	Copies uint32
}

// VdiResponseBody is the opcode-specific tail of a response to a
// VDI-family request.
type VdiResponseBody struct {
	VdiID uint32
}

// GenericResponseBody is the opcode-specific tail of a response to any
// opcode this client only forwards without interpreting.
type GenericResponseBody struct {
	Data [7]uint32
}

type ResponseBody interface {
	Encode(tail []byte)
}

func (b ObjectResponseBody) Encode(tail []byte) {
	le.PutUint32(tail[0:], b.Copies)
	// tail[4:28] reserved, zero
}

func decodeObjectResponseBody(tail []byte) ObjectResponseBody {
	return ObjectResponseBody{Copies: le.Uint32(tail[0:])}
}

func (b VdiResponseBody) Encode(tail []byte) {
	// tail[0:24] reserved, zero
	le.PutUint32(tail[24:], b.VdiID)
}

func decodeVdiResponseBody(tail []byte) VdiResponseBody {
	return VdiResponseBody{VdiID: le.Uint32(tail[24:])}
}

func (b GenericResponseBody) Encode(tail []byte) {
	for i, v := range b.Data {
		le.PutUint32(tail[i*4:], v)
	}
}

func decodeGenericResponseBody(tail []byte) GenericResponseBody {
	var b GenericResponseBody
	for i := range b.Data {
		b.Data[i] = le.Uint32(tail[i*4:])
	}
	return b
}

// Response is one in-memory representation of a 48-byte response header.
type Response struct {
	Epoch      uint32
	ID         uint32
	DataLength uint32
	Opcode     Opcode
	Flags      Flags
	Result     Result
	Body       ResponseBody
}

// EncodeResponse serializes resp to its exact 48-byte on-wire form.
func EncodeResponse(resp Response) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = ProtoVer
	buf[1] = byte(resp.Opcode)
	le.PutUint16(buf[2:], uint16(resp.Flags))
	le.PutUint32(buf[4:], resp.Epoch)
	le.PutUint32(buf[8:], resp.ID)
	le.PutUint32(buf[12:], resp.DataLength)
	le.PutUint32(buf[commonPrefixSize:], uint32(resp.Result))
	tail := buf[commonPrefixSize+4:]
	if resp.Body != nil {
		resp.Body.Encode(tail)
	}
	return buf
}

// DecodeResponse parses a 48-byte buffer into a Response, selecting the
// tail's variant from the opcode carried in the shared common prefix
// (the server echoes the request's opcode back).
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) != HeaderSize {
		return Response{}, fmt.Errorf("proto: response header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	op := Opcode(buf[1])
	resp := Response{
		Opcode:     op,
		Flags:      Flags(le.Uint16(buf[2:])),
		Epoch:      le.Uint32(buf[4:]),
		ID:         le.Uint32(buf[8:]),
		DataLength: le.Uint32(buf[12:]),
		Result:     Result(le.Uint32(buf[commonPrefixSize:])),
	}
	tail := buf[commonPrefixSize+4:]
	switch {
	case isObjectOpcode(op):
		resp.Body = decodeObjectResponseBody(tail)
	case isVdiOpcode(op):
		resp.Body = decodeVdiResponseBody(tail)
	default:
		resp.Body = decodeGenericResponseBody(tail)
	}
	return resp, nil
}
