package sheepdog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInodeRoundTrip(t *testing.T) {
	ino := &Inode{
		VdiSize:      64 << 20,
		NrCopies:     3,
		BlockSzShift: 22,
		VdiID:        7,
		ParentVdiID:  4,
	}
	fixedString("vol0", ino.Name[:])
	ino.DataVdiID[3] = 7
	ino.DataVdiID[5] = 4
	ino.ChildVdiID[0] = 9

	buf := ino.Encode()
	require.Len(t, buf, SDInodeSize)

	got := DecodeInode(buf)
	require.Equal(t, ino, got)
	require.Equal(t, "vol0", got.NameString())
	require.Equal(t, buf, got.Encode())
}

func TestInodeZeroSlotUnallocated(t *testing.T) {
	ino := &Inode{}
	require.Equal(t, uint32(0), ino.DataVdiID[123])
}
