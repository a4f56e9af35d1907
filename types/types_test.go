package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeSplitsFields(t *testing.T) {
	requireT := require.New(t)

	id := Make(5, 0x123456)
	requireT.Equal(TypeID(5), id.Type())
	requireT.Equal(uint64(0x123456), id.Index())
	requireT.True(id.Valid())

	id = Make(TypeMax-1, MaxIndex)
	requireT.Equal(TypeMax-1, id.Type())
	requireT.Equal(MaxIndex, id.Index())
	requireT.True(id.Valid())
	requireT.True(id > 0)
}

func TestSentinels(t *testing.T) {
	requireT := require.New(t)

	requireT.False(Invalid.Valid())
	requireT.True(Invalid < 0)

	// Default carries type field 0, so it never collides with a valid ID.
	requireT.False(Default.Valid())
	requireT.True(Default >= 0)
}

func TestTypeValidity(t *testing.T) {
	requireT := require.New(t)

	requireT.False(TypeID(0).Valid())
	requireT.True(TypeID(1).Valid())
	requireT.True((TypeMax - 1).Valid())
	requireT.False(TypeMax.Valid())
	requireT.False(TypeID(-1).Valid())

	requireT.False(TypeID(1).User())
	requireT.False((FirstUserType - 1).User())
	requireT.True(FirstUserType.User())
	requireT.True((TypeMax - 1).User())
	requireT.False(TypeMax.User())
}
