package race

import (
	"errors"
	"sort"
	"time"

	"github.com/polytrack/polytrack-backend/internal/types"
)

var (
	ErrStaleReport     = errors.New("stale or out-of-order report")
	ErrUnknownPlayer   = errors.New("unknown player")
	ErrAlreadyFinished = errors.New("player already finished")
	ErrRaceOver        = errors.New("race already over")
)

// Entrant identifies one player in a race. The id must match the lobby roster
// entry so results map back onto it.
type Entrant struct {
	ID   string
	Name string
}

// Progress tracks one entrant through a race. All timestamps are server
// receipt times; client timestamps are never recorded here.
type Progress struct {
	Entrant
	LapTimes   []time.Time // receipt time of each completed lap, strictly increasing
	FinishedAt time.Time   // zero until finished
	Transform  types.Transform
	DNF        bool
}

func (p *Progress) Finished() bool { return !p.FinishedAt.IsZero() }

// Race is the authoritative progress ledger for one race. It is not safe for
// concurrent use; the Coordinator serializes access.
type Race struct {
	TrackID   string
	Laps      int
	StartedAt time.Time

	progress map[string]*Progress
	order    []string // entrant ids in roster order
}

func New(trackID string, laps int, startedAt time.Time, entrants []Entrant) *Race {
	r := &Race{
		TrackID:   trackID,
		Laps:      laps,
		StartedAt: startedAt,
		progress:  make(map[string]*Progress, len(entrants)),
	}
	for _, e := range entrants {
		r.progress[e.ID] = &Progress{Entrant: e}
		r.order = append(r.order, e.ID)
	}
	return r
}

// RecordCheckpoint accepts a completed-lap report. lapIndex is 1-based and
// must be exactly one past the player's last recorded lap; anything else is a
// duplicate, a skip, or a replay and leaves state untouched.
func (r *Race) RecordCheckpoint(playerID string, lapIndex int, at time.Time) error {
	p, ok := r.progress[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	if p.Finished() || p.DNF {
		return ErrStaleReport
	}
	if lapIndex != len(p.LapTimes)+1 || lapIndex > r.Laps {
		return ErrStaleReport
	}
	if n := len(p.LapTimes); n > 0 && !at.After(p.LapTimes[n-1]) {
		return ErrStaleReport
	}
	p.LapTimes = append(p.LapTimes, at)
	return nil
}

// RecordFinish marks a player finished. Valid only once every lap has been
// checkpointed, so a finish report can never outrun the lap ledger.
func (r *Race) RecordFinish(playerID string, at time.Time) error {
	p, ok := r.progress[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	if p.Finished() {
		return ErrAlreadyFinished
	}
	if p.DNF || len(p.LapTimes) < r.Laps {
		return ErrStaleReport
	}
	p.FinishedAt = at
	return nil
}

// MarkDNF removes a player from contention. Finished players keep their
// standing.
func (r *Race) MarkDNF(playerID string) {
	if p, ok := r.progress[playerID]; ok && !p.Finished() {
		p.DNF = true
	}
}

// SetTransform records the last-known pose for a player. Movement is not
// validated; only lap ordering is.
func (r *Race) SetTransform(playerID string, t types.Transform) {
	if p, ok := r.progress[playerID]; ok {
		p.Transform = t
	}
}

// Done reports whether every entrant has either finished or dropped out.
func (r *Race) Done() bool {
	for _, p := range r.progress {
		if !p.Finished() && !p.DNF {
			return false
		}
	}
	return true
}

// Snapshot projects current progress into the wire shape, players in roster
// order.
func (r *Race) Snapshot(now time.Time) types.RaceSnapshot {
	snap := types.RaceSnapshot{ServerTime: now.UnixMilli()}
	for _, id := range r.order {
		p := r.progress[id]
		snap.Players = append(snap.Players, types.PlayerState{
			ID:        p.ID,
			Transform: p.Transform,
			Lap:       len(p.LapTimes),
			Finished:  p.Finished(),
		})
	}
	return snap
}

// Rank produces the deterministic final ordering: finished players first by
// ascending total time, then unfinished by laps completed descending and last
// checkpoint time descending (a later checkpoint on the same lap count means
// more progress), with player id as the final tie-break. Repeated calls on
// the same ledger yield the same order.
func (r *Race) Rank() []types.RaceResult {
	ranked := make([]*Progress, 0, len(r.progress))
	for _, id := range r.order {
		ranked = append(ranked, r.progress[id])
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Finished() != b.Finished() {
			return a.Finished()
		}
		if a.Finished() {
			ta, tb := a.FinishedAt.Sub(r.StartedAt), b.FinishedAt.Sub(r.StartedAt)
			if ta != tb {
				return ta < tb
			}
			return a.ID < b.ID
		}
		if len(a.LapTimes) != len(b.LapTimes) {
			return len(a.LapTimes) > len(b.LapTimes)
		}
		la, lb := lastCheckpoint(a), lastCheckpoint(b)
		if !la.Equal(lb) {
			return la.After(lb)
		}
		return a.ID < b.ID
	})

	results := make([]types.RaceResult, 0, len(ranked))
	for i, p := range ranked {
		res := types.RaceResult{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			Position:   i + 1,
			Finished:   p.Finished(),
			Laps:       len(p.LapTimes),
		}
		if p.Finished() {
			res.TotalMS = p.FinishedAt.Sub(r.StartedAt).Milliseconds()
		}
		prev := r.StartedAt
		for _, lt := range p.LapTimes {
			lap := lt.Sub(prev).Milliseconds()
			res.LapMS = append(res.LapMS, lap)
			if res.BestLapMS == 0 || lap < res.BestLapMS {
				res.BestLapMS = lap
			}
			prev = lt
		}
		results = append(results, res)
	}
	return results
}

func lastCheckpoint(p *Progress) time.Time {
	if len(p.LapTimes) == 0 {
		return time.Time{}
	}
	return p.LapTimes[len(p.LapTimes)-1]
}
