package race

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polytrack/polytrack-backend/internal/types"
)

var start = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return start.Add(d) }

func twoPlayerRace(laps int) *Race {
	return New("desert-speedway", laps, start, []Entrant{
		{ID: "p1", Name: "Alice"},
		{ID: "p2", Name: "Bob"},
	})
}

func TestRecordCheckpoint_Monotonic(t *testing.T) {
	cases := []struct {
		name    string
		laps    []int // lap indexes reported in order
		wantErr []bool
	}{
		{
			name:    "in order accepted",
			laps:    []int{1, 2, 3},
			wantErr: []bool{false, false, false},
		},
		{
			name:    "duplicate rejected",
			laps:    []int{1, 1},
			wantErr: []bool{false, true},
		},
		{
			name:    "skip rejected",
			laps:    []int{1, 3},
			wantErr: []bool{false, true},
		},
		{
			name:    "replay of earlier lap rejected",
			laps:    []int{1, 2, 1},
			wantErr: []bool{false, false, true},
		},
		{
			name:    "starting past lap one rejected",
			laps:    []int{2},
			wantErr: []bool{true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := twoPlayerRace(3)
			for i, lap := range tc.laps {
				err := r.RecordCheckpoint("p1", lap, at(time.Duration(i+1)*time.Minute))
				if tc.wantErr[i] {
					require.ErrorIs(t, err, ErrStaleReport, "report %d", i)
				} else {
					require.NoError(t, err, "report %d", i)
				}
			}
		})
	}
}

func TestRecordCheckpoint_RejectionDoesNotMutate(t *testing.T) {
	r := twoPlayerRace(3)
	require.NoError(t, r.RecordCheckpoint("p1", 1, at(time.Minute)))

	require.ErrorIs(t, r.RecordCheckpoint("p1", 3, at(2*time.Minute)), ErrStaleReport)
	// Lap 2 must still be the next accepted index.
	require.NoError(t, r.RecordCheckpoint("p1", 2, at(2*time.Minute)))
}

func TestRecordCheckpoint_BeyondTotalLaps(t *testing.T) {
	r := twoPlayerRace(1)
	require.NoError(t, r.RecordCheckpoint("p1", 1, at(time.Minute)))
	require.ErrorIs(t, r.RecordCheckpoint("p1", 2, at(2*time.Minute)), ErrStaleReport)
}

func TestRecordCheckpoint_UnknownPlayer(t *testing.T) {
	r := twoPlayerRace(3)
	require.ErrorIs(t, r.RecordCheckpoint("ghost", 1, at(time.Minute)), ErrUnknownPlayer)
}

func TestRecordFinish_RequiresAllLaps(t *testing.T) {
	r := twoPlayerRace(2)
	require.NoError(t, r.RecordCheckpoint("p1", 1, at(time.Minute)))

	require.ErrorIs(t, r.RecordFinish("p1", at(90*time.Second)), ErrStaleReport)

	require.NoError(t, r.RecordCheckpoint("p1", 2, at(2*time.Minute)))
	require.NoError(t, r.RecordFinish("p1", at(2*time.Minute)))
	require.ErrorIs(t, r.RecordFinish("p1", at(3*time.Minute)), ErrAlreadyFinished)
}

func TestDone(t *testing.T) {
	r := twoPlayerRace(1)
	require.False(t, r.Done())

	require.NoError(t, r.RecordCheckpoint("p1", 1, at(time.Minute)))
	require.NoError(t, r.RecordFinish("p1", at(time.Minute)))
	require.False(t, r.Done())

	r.MarkDNF("p2")
	require.True(t, r.Done())
}

func TestRank_FinishedBeforeUnfinished(t *testing.T) {
	r := New("forest-rally", 3, start, []Entrant{
		{ID: "p1", Name: "Alice"},
		{ID: "p2", Name: "Bob"},
		{ID: "p3", Name: "Cara"},
	})
	// Alice finishes all 3 laps. Bob completes 2. Cara completes 1.
	for lap := 1; lap <= 3; lap++ {
		require.NoError(t, r.RecordCheckpoint("p1", lap, at(time.Duration(lap)*time.Minute)))
	}
	require.NoError(t, r.RecordFinish("p1", at(3*time.Minute)))
	require.NoError(t, r.RecordCheckpoint("p2", 1, at(70*time.Second)))
	require.NoError(t, r.RecordCheckpoint("p2", 2, at(150*time.Second)))
	require.NoError(t, r.RecordCheckpoint("p3", 1, at(80*time.Second)))

	results := r.Rank()
	require.Len(t, results, 3)
	require.Equal(t, "p1", results[0].PlayerID)
	require.True(t, results[0].Finished)
	require.Equal(t, int64(3*60*1000), results[0].TotalMS)
	require.Equal(t, "p2", results[1].PlayerID)
	require.Equal(t, 2, results[1].Laps)
	require.Equal(t, "p3", results[2].PlayerID)

	for i, res := range results {
		require.Equal(t, i+1, res.Position)
	}
}

func TestRank_UnfinishedSameLaps_LaterCheckpointRanksHigher(t *testing.T) {
	r := twoPlayerRace(3)
	require.NoError(t, r.RecordCheckpoint("p1", 1, at(time.Minute)))
	require.NoError(t, r.RecordCheckpoint("p2", 1, at(70*time.Second)))

	results := r.Rank()
	require.Equal(t, "p2", results[0].PlayerID)
	require.Equal(t, "p1", results[1].PlayerID)
}

func TestRank_SimultaneousFinish_TieBreakByPlayerID(t *testing.T) {
	r := twoPlayerRace(1)
	require.NoError(t, r.RecordCheckpoint("p1", 1, at(time.Minute)))
	require.NoError(t, r.RecordCheckpoint("p2", 1, at(time.Minute)))
	require.NoError(t, r.RecordFinish("p1", at(time.Minute)))
	require.NoError(t, r.RecordFinish("p2", at(time.Minute)))

	results := r.Rank()
	require.Equal(t, "p1", results[0].PlayerID)
	require.Equal(t, "p2", results[1].PlayerID)
}

func TestRank_Deterministic(t *testing.T) {
	r := New("mountain-circuit", 2, start, []Entrant{
		{ID: "d", Name: "Dan"}, {ID: "a", Name: "Ana"},
		{ID: "c", Name: "Cyn"}, {ID: "b", Name: "Ben"},
	})
	require.NoError(t, r.RecordCheckpoint("a", 1, at(time.Minute)))
	require.NoError(t, r.RecordCheckpoint("a", 2, at(2*time.Minute)))
	require.NoError(t, r.RecordFinish("a", at(2*time.Minute)))
	require.NoError(t, r.RecordCheckpoint("b", 1, at(time.Minute)))

	first := r.Rank()
	for range 10 {
		require.Equal(t, first, r.Rank())
	}
	// Entrants with no progress at all rank by id.
	require.Equal(t, "a", first[0].PlayerID)
	require.Equal(t, "b", first[1].PlayerID)
	require.Equal(t, "c", first[2].PlayerID)
	require.Equal(t, "d", first[3].PlayerID)
}

func TestRank_LapAndBestLapTimes(t *testing.T) {
	r := New("desert-speedway", 3, start, []Entrant{{ID: "p1", Name: "Alice"}})
	require.NoError(t, r.RecordCheckpoint("p1", 1, at(62*time.Second)))
	require.NoError(t, r.RecordCheckpoint("p1", 2, at(120*time.Second))) // 58s lap, the best
	require.NoError(t, r.RecordCheckpoint("p1", 3, at(183*time.Second)))
	require.NoError(t, r.RecordFinish("p1", at(183*time.Second)))

	res := r.Rank()[0]
	require.Equal(t, []int64{62000, 58000, 63000}, res.LapMS)
	require.Equal(t, int64(58000), res.BestLapMS)
	require.Equal(t, int64(183000), res.TotalMS)
}

func TestSnapshot_RosterOrderAndFacts(t *testing.T) {
	r := twoPlayerRace(2)
	r.SetTransform("p2", types.Transform{Position: [3]float64{1, 0, 2}, Heading: 1.5})
	require.NoError(t, r.RecordCheckpoint("p1", 1, at(time.Minute)))

	snap := r.Snapshot(at(90 * time.Second))
	require.Equal(t, at(90*time.Second).UnixMilli(), snap.ServerTime)
	require.Len(t, snap.Players, 2)
	require.Equal(t, "p1", snap.Players[0].ID)
	require.Equal(t, 1, snap.Players[0].Lap)
	require.Equal(t, "p2", snap.Players[1].ID)
	require.Equal(t, [3]float64{1, 0, 2}, snap.Players[1].Transform.Position)
}

func TestMarkDNF_FreezesAndExcludes(t *testing.T) {
	r := twoPlayerRace(2)
	require.NoError(t, r.RecordCheckpoint("p2", 1, at(time.Minute)))
	r.MarkDNF("p2")

	require.ErrorIs(t, r.RecordCheckpoint("p2", 2, at(2*time.Minute)), ErrStaleReport)

	// p1 finishes; p2 keeps its completed laps in the standings.
	require.NoError(t, r.RecordCheckpoint("p1", 1, at(2*time.Minute)))
	require.NoError(t, r.RecordCheckpoint("p1", 2, at(3*time.Minute)))
	require.NoError(t, r.RecordFinish("p1", at(3*time.Minute)))
	require.True(t, r.Done())

	results := r.Rank()
	require.Equal(t, "p1", results[0].PlayerID)
	require.Equal(t, "p2", results[1].PlayerID)
	require.False(t, results[1].Finished)
	require.Equal(t, 1, results[1].Laps)
}
