package tracks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	track, ok := Lookup("desert-speedway")
	require.True(t, ok)
	require.Equal(t, "Desert Speedway", track.Name)
	require.Equal(t, 3, track.Laps)

	_, ok = Lookup("moon-base")
	require.False(t, ok)
}

func TestLookup_CaseInsensitive(t *testing.T) {
	track, ok := Lookup("FOREST-RALLY")
	require.True(t, ok)
	require.Equal(t, "forest-rally", track.ID)
}

func TestAll_ReturnsCopy(t *testing.T) {
	all := All()
	require.Len(t, all, 3)
	all[0].Name = "mutated"

	again := All()
	require.Equal(t, "Mountain Circuit", again[0].Name)
}
