package race

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/polytrack/polytrack-backend/internal/types"
)

type Msg interface{ isRaceMsg() }

// Checkpoint is a completed-lap report. ClientTS is advisory latency data
// only; ranking uses the server receipt time stamped by the coordinator.
type Checkpoint struct {
	PlayerID string
	LapIndex int
	ClientTS int64
	Reply    chan error
}

func (Checkpoint) isRaceMsg() {}

type Finish struct {
	PlayerID string
	ClientTS int64
	Reply    chan error
}

func (Finish) isRaceMsg() {}

// StateUpdate carries a player's latest predicted pose. Fire-and-forget.
type StateUpdate struct {
	PlayerID  string
	Transform types.Transform
}

func (StateUpdate) isRaceMsg() {}

// DropPlayer removes a player from contention (grace period expired or an
// explicit leave mid-race).
type DropPlayer struct{ PlayerID string }

func (DropPlayer) isRaceMsg() {}

// GetResults replies with the ranked results, or nil while the race is still
// running.
type GetResults struct{ Reply chan []types.RaceResult }

func (GetResults) isRaceMsg() {}

type Stop struct{}

func (Stop) isRaceMsg() {}

type timedOut struct{}

func (timedOut) isRaceMsg() {}

// Config bounds one race.
type Config struct {
	Laps             int
	SnapshotInterval time.Duration
	Timeout          time.Duration // 0 = no race-level timeout
}

// Coordinator owns all race state from green light to results. One goroutine
// per race; every mutation flows through the inbox in arrival order.
type Coordinator struct {
	inbox chan Msg
	race  *Race
	cfg   Config
	log   *zap.Logger

	onSnapshot func(types.RaceSnapshot)
	onEnd      func([]types.RaceResult)

	results []types.RaceResult
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCoordinator starts a race over a frozen roster snapshot. onSnapshot is
// invoked at the configured interval, onEnd exactly once with the final
// ranking; both are called from the coordinator goroutine and must not block.
func NewCoordinator(
	parent context.Context,
	trackID string,
	entrants []Entrant,
	cfg Config,
	log *zap.Logger,
	onSnapshot func(types.RaceSnapshot),
	onEnd func([]types.RaceResult),
) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		inbox:      make(chan Msg, 256),
		race:       New(trackID, cfg.Laps, time.Now(), entrants),
		cfg:        cfg,
		log:        log,
		onSnapshot: onSnapshot,
		onEnd:      onEnd,
		ctx:        ctx,
		cancel:     cancel,
	}
	go c.loop()
	return c
}

func (c *Coordinator) Inbox() chan<- Msg { return c.inbox }

// StartedAt is the server-authoritative race start time.
func (c *Coordinator) StartedAt() time.Time { return c.race.StartedAt }

func (c *Coordinator) loop() {
	interval := c.cfg.SnapshotInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var timeout *time.Timer
	if c.cfg.Timeout > 0 {
		timeout = time.AfterFunc(c.cfg.Timeout, func() {
			select {
			case c.inbox <- timedOut{}:
			case <-c.ctx.Done():
			}
		})
		defer timeout.Stop()
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			if c.results == nil {
				c.onSnapshot(c.race.Snapshot(time.Now()))
			}

		case m := <-c.inbox:
			switch msg := m.(type) {
			case Checkpoint:
				msg.Reply <- c.applyCheckpoint(msg)
			case Finish:
				msg.Reply <- c.applyFinish(msg)
			case StateUpdate:
				c.race.SetTransform(msg.PlayerID, msg.Transform)
			case DropPlayer:
				c.race.MarkDNF(msg.PlayerID)
				c.maybeEnd()
			case GetResults:
				msg.Reply <- c.results
			case timedOut:
				if c.results == nil {
					c.log.Info("race timeout fired, force-ranking stragglers",
						zap.String("track", c.race.TrackID))
					c.end()
				}
			case Stop:
				c.cancel()
				return
			}
		}
	}
}

func (c *Coordinator) applyCheckpoint(msg Checkpoint) error {
	if c.results != nil {
		return ErrRaceOver
	}
	err := c.race.RecordCheckpoint(msg.PlayerID, msg.LapIndex, time.Now())
	if err != nil {
		return err
	}
	c.log.Debug("checkpoint",
		zap.String("player", msg.PlayerID), zap.Int("lap", msg.LapIndex))
	return nil
}

func (c *Coordinator) applyFinish(msg Finish) error {
	if c.results != nil {
		return ErrRaceOver
	}
	if err := c.race.RecordFinish(msg.PlayerID, time.Now()); err != nil {
		return err
	}
	c.log.Info("player finished", zap.String("player", msg.PlayerID))
	c.maybeEnd()
	return nil
}

func (c *Coordinator) maybeEnd() {
	if c.results == nil && c.race.Done() {
		c.end()
	}
}

// end freezes the ranking and reports it. The loop stays alive to answer
// GetResults until the owner sends Stop.
func (c *Coordinator) end() {
	c.results = c.race.Rank()
	c.onEnd(c.results)
}
