package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTripObject(t *testing.T) {
	req := Request{
		Opcode:     OpCreateAndWriteObj,
		Flags:      CmdWrite | CmdCow,
		Epoch:      3,
		ID:         42,
		DataLength: 1024,
		Body: ObjectRequestBody{
			OID:    0x0000000700000005,
			CowOID: 0x0000000400000005,
			Copies: 3,
			Offset: 0,
		},
	}
	buf := EncodeRequest(req)
	require.Len(t, buf, HeaderSize)

	got, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, req.Opcode, got.Opcode)
	require.Equal(t, req.Flags, got.Flags)
	require.Equal(t, req.Epoch, got.Epoch)
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, req.DataLength, got.DataLength)
	require.Equal(t, req.Body, got.Body)

	require.Equal(t, buf, EncodeRequest(got))
}

func TestRequestRoundTripVdi(t *testing.T) {
	req := Request{
		Opcode:     OpLockVdi,
		Flags:      CmdWrite,
		ID:         7,
		DataLength: 512,
		Body: VdiRequestBody{
			VdiID:  0,
			Copies: 0,
			SnapID: 0,
		},
	}
	buf := EncodeRequest(req)
	got, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, req.Body, got.Body)
	require.Equal(t, buf, EncodeRequest(got))
}

func TestRequestRoundTripGeneric(t *testing.T) {
	req := Request{
		Opcode: Opcode(0xff),
		ID:     99,
		Body:   GenericRequestBody{Data: [8]uint32{1, 2, 3, 4, 5, 6, 7, 8}},
	}
	buf := EncodeRequest(req)
	got, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, req.Body, got.Body)
}

func TestResponseRoundTripObject(t *testing.T) {
	resp := Response{
		Opcode:     OpWriteObj,
		ID:         42,
		DataLength: 0,
		Result:     Readonly,
		Body:       ObjectResponseBody{Copies: 3},
	}
	buf := EncodeResponse(resp)
	require.Len(t, buf, HeaderSize)

	got, err := DecodeResponse(buf)
	require.NoError(t, err)
	require.Equal(t, resp.Result, got.Result)
	require.Equal(t, resp.Body, got.Body)
	require.Equal(t, buf, EncodeResponse(got))
}

func TestResponseRoundTripVdi(t *testing.T) {
	resp := Response{
		Opcode: OpLockVdi,
		ID:     7,
		Result: Success,
		Body:   VdiResponseBody{VdiID: 9},
	}
	buf := EncodeResponse(resp)
	got, err := DecodeResponse(buf)
	require.NoError(t, err)
	require.Equal(t, resp.Body, got.Body)
	require.Equal(t, buf, EncodeResponse(got))
}

func TestDecodeRequestWrongSize(t *testing.T) {
	_, err := DecodeRequest(make([]byte, 10))
	require.Error(t, err)
}

func TestResultString(t *testing.T) {
	require.Equal(t, "SUCCESS", Success.String())
	require.Equal(t, "READONLY", Readonly.String())
	require.Equal(t, "UNKNOWN_RESULT", Result(0xEE).String())
}

func TestErrorError(t *testing.T) {
	err := &Error{Result: NoSpace}
	require.Contains(t, err.Error(), "NO_SPACE")
}
