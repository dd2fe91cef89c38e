package sheepdog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOIDBijection(t *testing.T) {
	for _, vid := range []uint32{0, 1, 7, 1<<24 - 1} {
		for _, idx := range []uint32{0, 1, 5, MaxDataObjs - 1} {
			oid := VIDToDataOID(vid, idx)
			require.Equal(t, idx, DataOIDToIdx(oid))
			require.True(t, IsDataObj(oid))
		}
		require.False(t, IsDataObj(VIDToVdiOID(vid)))
	}
}

func TestVIDToVdiOIDSetsVDIBit(t *testing.T) {
	oid := VIDToVdiOID(7)
	require.NotZero(t, oid&VDIBit)
	require.Equal(t, uint64(7), (oid&^VDIBit)>>vidShift)
}

func TestIdxFromOffset(t *testing.T) {
	require.Equal(t, uint32(0), idxFromOffset(0))
	require.Equal(t, uint32(0), idxFromOffset(SDDataObjSize-1))
	require.Equal(t, uint32(1), idxFromOffset(SDDataObjSize))
}

func TestCeilDiv(t *testing.T) {
	require.Equal(t, int64(1), ceilDiv(1, SDDataObjSize))
	require.Equal(t, int64(1), ceilDiv(SDDataObjSize, SDDataObjSize))
	require.Equal(t, int64(2), ceilDiv(SDDataObjSize+1, SDDataObjSize))
}
