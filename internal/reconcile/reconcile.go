// Package reconcile blends authoritative race snapshots into locally
// predicted state. The rendering layer keeps simulating its own car at full
// frame rate; this adapter pulls every rendered transform toward the last
// authoritative pose without visible jumps, and overrides non-movement facts
// (lap count, finish state, roster) outright.
package reconcile

import (
	"math"

	"github.com/polytrack/polytrack-backend/internal/types"
)

type Config struct {
	// SmoothingRate is the exponential convergence rate per second. Higher
	// snaps harder to the authoritative pose.
	SmoothingRate float64
	// SnapDistance is the positional error beyond which smoothing gives up
	// and teleports (e.g. after a respawn or a long stall).
	SnapDistance float64
}

func DefaultConfig() Config {
	return Config{SmoothingRate: 10, SnapDistance: 12}
}

type tracked struct {
	current  types.Transform
	target   types.Transform
	lap      int
	finished bool
	seen     bool
}

// Adapter is single-goroutine client state; it is not safe for concurrent
// use.
type Adapter struct {
	cfg     Config
	players map[string]*tracked
}

func New(cfg Config) *Adapter {
	if cfg.SmoothingRate <= 0 {
		cfg.SmoothingRate = DefaultConfig().SmoothingRate
	}
	if cfg.SnapDistance <= 0 {
		cfg.SnapDistance = DefaultConfig().SnapDistance
	}
	return &Adapter{cfg: cfg, players: make(map[string]*tracked)}
}

// ApplySnapshot ingests an authoritative snapshot. Lap and finish facts take
// effect immediately; transforms become smoothing targets. Players absent
// from the snapshot are dropped from the local roster.
func (a *Adapter) ApplySnapshot(snap types.RaceSnapshot) {
	for _, p := range a.players {
		p.seen = false
	}
	for _, ps := range snap.Players {
		p, ok := a.players[ps.ID]
		if !ok {
			p = &tracked{current: ps.Transform}
			a.players[ps.ID] = p
		}
		p.target = ps.Transform
		p.lap = ps.Lap
		p.finished = ps.Finished
		p.seen = true
	}
	for id, p := range a.players {
		if !p.seen {
			delete(a.players, id)
		}
	}
}

// Predict records the locally simulated pose for the own car. The next Step
// still pulls it toward the authoritative target, so a divergent prediction
// is corrected rather than trusted.
func (a *Adapter) Predict(playerID string, t types.Transform) {
	if p, ok := a.players[playerID]; ok {
		p.current = t
	}
}

// Step advances smoothing by dt seconds.
func (a *Adapter) Step(dt float64) {
	if dt <= 0 {
		return
	}
	// 1-exp(-rate*dt) is frame-rate independent: the same real-time window
	// closes the same fraction of the error regardless of tick size.
	alpha := 1 - math.Exp(-a.cfg.SmoothingRate*dt)
	for _, p := range a.players {
		if dist(p.current.Position, p.target.Position) > a.cfg.SnapDistance {
			p.current = p.target
			continue
		}
		for i := range p.current.Position {
			p.current.Position[i] += (p.target.Position[i] - p.current.Position[i]) * alpha
		}
		p.current.Heading += shortestArc(p.target.Heading-p.current.Heading) * alpha
	}
}

// Transform returns the rendered pose for a player.
func (a *Adapter) Transform(playerID string) (types.Transform, bool) {
	p, ok := a.players[playerID]
	if !ok {
		return types.Transform{}, false
	}
	return p.current, true
}

// Lap returns the authoritative lap count; zero for unknown players.
func (a *Adapter) Lap(playerID string) int {
	if p, ok := a.players[playerID]; ok {
		return p.lap
	}
	return 0
}

func (a *Adapter) Finished(playerID string) bool {
	p, ok := a.players[playerID]
	return ok && p.finished
}

// Roster lists currently tracked player ids.
func (a *Adapter) Roster() []string {
	ids := make([]string, 0, len(a.players))
	for id := range a.players {
		ids = append(ids, id)
	}
	return ids
}

func dist(a, b [3]float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// shortestArc normalizes an angle delta into (-pi, pi] so headings never spin
// the long way around.
func shortestArc(delta float64) float64 {
	for delta > math.Pi {
		delta -= 2 * math.Pi
	}
	for delta <= -math.Pi {
		delta += 2 * math.Pi
	}
	return delta
}
