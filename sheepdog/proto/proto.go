// Package proto implements the Sheepdog daemon wire codec: fixed 48-byte
// request and response headers, little-endian on the wire, with an
// opcode-specific 32-byte tail modeled as a tagged variant per opcode
// family rather than as one punned header buffer. encode(decode(b)) == b
// for any valid 48-byte header, and decode(encode(v)) == v for every
// opcode/variant.
package proto

import "encoding/binary"

// HeaderSize is the fixed size, in bytes, of every request and response
// header.
const HeaderSize = 48

const commonPrefixSize = 16

// ProtoVer is the only protocol version this client speaks.
const ProtoVer = 0x01

// Opcode identifies the operation an Object RPC performs.
type Opcode uint8

// Object, VDI and generic opcodes (§4.1).
const (
	OpReadObj           Opcode = 0x01
	OpWriteObj          Opcode = 0x02
	OpCreateAndWriteObj Opcode = 0x03
	OpDiscardObj        Opcode = 0x04

	OpNewVdi      Opcode = 0x10
	OpLockVdi     Opcode = 0x11
	OpReleaseVdi  Opcode = 0x12
	OpGetVdiInfo  Opcode = 0x13
	OpReadVdis    Opcode = 0x14
	OpFlushVdi    Opcode = 0x15
	OpDelVdi      Opcode = 0x16
)

// Flags is the request header's flag bitfield.
type Flags uint16

const (
	CmdWrite  Flags = 0x01
	CmdCow    Flags = 0x02
	CmdCache  Flags = 0x04
	CmdDirect Flags = 0x08
)

// Result is a response's result code.
type Result uint32

// Result codes (§4.1, non-exhaustive superset covering every code this
// client's error taxonomy in §7 distinguishes).
const (
	Success      Result = 0x00
	Unknown      Result = 0x01
	NoObj        Result = 0x02
	Eio          Result = 0x03
	VdiExist     Result = 0x04
	InvalidParms Result = 0x05
	SystemError  Result = 0x06
	VdiLocked    Result = 0x07
	NoVdi        Result = 0x08
	VerMismatch  Result = 0x14
	NoSpace      Result = 0x15
	Halt         Result = 0x19
	Readonly     Result = 0x1A
)

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case Unknown:
		return "UNKNOWN"
	case NoObj:
		return "NO_OBJ"
	case Eio:
		return "EIO"
	case VdiExist:
		return "VDI_EXIST"
	case InvalidParms:
		return "INVALID_PARMS"
	case SystemError:
		return "SYSTEM_ERROR"
	case VdiLocked:
		return "VDI_LOCKED"
	case NoVdi:
		return "NO_VDI"
	case VerMismatch:
		return "VER_MISMATCH"
	case NoSpace:
		return "NO_SPACE"
	case Halt:
		return "HALT"
	case Readonly:
		return "READONLY"
	default:
		return "UNKNOWN_RESULT"
	}
}

// Error adapts a non-success Result to the error interface, for callers
// that want to propagate a protocol failure as a plain Go error.
type Error struct {
	Result Result
}

func (e *Error) Error() string { return "sheepdog: " + e.Result.String() }

// isObjectOpcode reports whether op uses the object request/response tail
// shape (oid/cow_oid/copies/offset on request, copies on response).
func isObjectOpcode(op Opcode) bool {
	switch op {
	case OpReadObj, OpWriteObj, OpCreateAndWriteObj, OpDiscardObj:
		return true
	default:
		return false
	}
}

// isVdiOpcode reports whether op uses the VDI request/response tail shape.
func isVdiOpcode(op Opcode) bool {
	switch op {
	case OpNewVdi, OpLockVdi, OpReleaseVdi, OpGetVdiInfo, OpReadVdis, OpFlushVdi, OpDelVdi:
		return true
	default:
		return false
	}
}
