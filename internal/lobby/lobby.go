package lobby

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/polytrack/polytrack-backend/internal/race"
	"github.com/polytrack/polytrack-backend/internal/types"
)

// MaxPlayers caps the roster.
const MaxPlayers = 8

type State string

const (
	StateForming   State = "forming"
	StateCountdown State = "countdown"
	StateRacing    State = "racing"
	StateClosed    State = "closed"
)

var (
	ErrFull          = errors.New("lobby is full")
	ErrAlreadyRacing = errors.New("race already in progress")
	ErrForbidden     = errors.New("host-only action")
	ErrNotReady      = errors.New("need at least two players, all ready")
	ErrUnknownPlayer = errors.New("no such player")
	ErrBadName       = errors.New("display name must be 1-20 characters")
	ErrClosed        = errors.New("lobby closed")
	ErrNoRace        = errors.New("no race in progress")
)

// Player is a roster entry. The id is stable across the lobby and any race
// spawned from it; the token is the reconnect credential and never broadcast.
type Player struct {
	ID        string
	Name      string
	Token     string
	IsHost    bool
	Ready     bool
	Connected bool
}

type Config struct {
	CountdownSeconds int
	GracePeriod      time.Duration
	IdleTimeout      time.Duration
	Race             race.Config
}

type Msg interface{ isLobbyMsg() }

// Joined is what a successful Join or Rejoin hands back to the transport.
type Joined struct {
	PlayerID string
	Token    string
	Code     string
	TrackID  string
	Roster   []types.PlayerInfo
}

type JoinReply struct {
	Joined
	Err error
}

type Join struct {
	Name   string
	Outbox chan types.ServerMessage
	Reply  chan JoinReply
}

func (Join) isLobbyMsg() {}

// Rejoin reattaches a disconnected player by token within the grace window.
type Rejoin struct {
	Token  string
	Outbox chan types.ServerMessage
	Reply  chan JoinReply
}

func (Rejoin) isLobbyMsg() {}

type Leave struct{ PlayerID string }

func (Leave) isLobbyMsg() {}

// Disconnect is transport-detected loss of the connection. Outside a race it
// is an immediate leave; mid-race it opens the grace window.
type Disconnect struct{ PlayerID string }

func (Disconnect) isLobbyMsg() {}

type SetReady struct {
	PlayerID string
	Ready    bool
	Reply    chan error
}

func (SetReady) isLobbyMsg() {}

type StartRace struct {
	PlayerID string
	Reply    chan error
}

func (StartRace) isLobbyMsg() {}

type ReportCheckpoint struct {
	PlayerID string
	LapIndex int
	ClientTS int64
	Reply    chan error
}

func (ReportCheckpoint) isLobbyMsg() {}

type ReportFinish struct {
	PlayerID string
	ClientTS int64
	Reply    chan error
}

func (ReportFinish) isLobbyMsg() {}

type UpdateState struct {
	PlayerID  string
	Transform types.Transform
}

func (UpdateState) isLobbyMsg() {}

// GetResults replies nil while a race is pending and the last ranked results
// once one has ended.
type GetResults struct{ Reply chan []types.RaceResult }

func (GetResults) isLobbyMsg() {}

// GetView reflects internal state without data races, for the HTTP read
// endpoint and tests.
type GetView struct{ Reply chan View }

func (GetView) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type countdownTick struct {
	gen       int
	remaining int
}

func (countdownTick) isLobbyMsg() {}

type graceExpired struct{ playerID string }

func (graceExpired) isLobbyMsg() {}

type raceSnapshot struct{ snap types.RaceSnapshot }

func (raceSnapshot) isLobbyMsg() {}

type raceEnded struct{ results []types.RaceResult }

func (raceEnded) isLobbyMsg() {}

type idleExpired struct{}

func (idleExpired) isLobbyMsg() {}

type View struct {
	State      State
	Code       string
	TrackID    string
	Roster     []Player
	NumClients int
}

// Lobby owns one session end to end. All mutation happens on the loop
// goroutine; different lobbies run fully in parallel.
type Lobby struct {
	code    string
	trackID string
	cfg     Config
	log     *zap.Logger

	inbox       chan Msg
	state       State
	roster      []*Player
	clients     map[string]chan types.ServerMessage
	coordinator *race.Coordinator
	lastResults []types.RaceResult

	countdownGen int
	graceTimers  map[string]*time.Timer
	idle         *time.Timer

	onClose   func(code string)
	onResults func(trackID string, results []types.RaceResult)

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a lobby actor. onClose fires once when the lobby empties out or
// idles away; onResults fires after each race with the final ranking. Both
// must be safe to call from the lobby goroutine.
func New(
	parent context.Context,
	code, trackID string,
	cfg Config,
	log *zap.Logger,
	onClose func(code string),
	onResults func(trackID string, results []types.RaceResult),
) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	if onClose == nil {
		onClose = func(string) {}
	}
	if onResults == nil {
		onResults = func(string, []types.RaceResult) {}
	}
	l := &Lobby{
		code:        code,
		trackID:     trackID,
		cfg:         cfg,
		log:         log.With(zap.String("lobby", code)),
		inbox:       make(chan Msg, 64),
		state:       StateForming,
		clients:     make(map[string]chan types.ServerMessage),
		graceTimers: make(map[string]*time.Timer),
		onClose:     onClose,
		onResults:   onResults,
		ctx:         ctx,
		cancel:      cancel,
	}
	if cfg.IdleTimeout > 0 {
		l.idle = time.AfterFunc(cfg.IdleTimeout, func() { l.Post(idleExpired{}) })
	}
	go l.loop()
	return l
}

func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

func (l *Lobby) Code() string { return l.code }

// Post delivers a message unless the lobby has shut down, and reports
// whether it was accepted. Timers and transports use this instead of the raw
// inbox so a dead lobby can never hang a sender.
func (l *Lobby) Post(m Msg) bool {
	select {
	case l.inbox <- m:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			return

		case m := <-l.inbox:
			if l.idle != nil {
				l.idle.Reset(l.cfg.IdleTimeout)
			}
			switch msg := m.(type) {
			case Join:
				msg.Reply <- l.handleJoin(msg)
			case Rejoin:
				msg.Reply <- l.handleRejoin(msg)
			case Leave:
				l.handleLeave(msg.PlayerID)
			case Disconnect:
				l.handleDisconnect(msg.PlayerID)
			case SetReady:
				msg.Reply <- l.handleSetReady(msg)
			case StartRace:
				msg.Reply <- l.handleStartRace(msg)
			case ReportCheckpoint:
				if l.coordinator == nil {
					msg.Reply <- ErrNoRace
					break
				}
				l.coordinator.Inbox() <- race.Checkpoint{
					PlayerID: msg.PlayerID, LapIndex: msg.LapIndex,
					ClientTS: msg.ClientTS, Reply: msg.Reply,
				}
			case ReportFinish:
				if l.coordinator == nil {
					msg.Reply <- ErrNoRace
					break
				}
				l.coordinator.Inbox() <- race.Finish{
					PlayerID: msg.PlayerID, ClientTS: msg.ClientTS, Reply: msg.Reply,
				}
			case UpdateState:
				if l.coordinator != nil {
					l.coordinator.Inbox() <- race.StateUpdate{
						PlayerID: msg.PlayerID, Transform: msg.Transform,
					}
				}
			case GetResults:
				if l.coordinator != nil {
					l.coordinator.Inbox() <- race.GetResults{Reply: msg.Reply}
					break
				}
				msg.Reply <- l.lastResults
			case GetView:
				msg.Reply <- l.view()
			case countdownTick:
				l.handleCountdownTick(msg)
			case graceExpired:
				l.handleGraceExpired(msg.playerID)
			case raceSnapshot:
				if l.state == StateRacing {
					snap := msg.snap
					l.broadcast(types.ServerMessage{Type: types.MsgRaceState, Snapshot: &snap})
				}
			case raceEnded:
				l.handleRaceEnded(msg.results)
			case idleExpired:
				if l.state != StateClosed {
					l.log.Info("lobby idle timeout, closing")
					l.close()
				}
			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) handleJoin(msg Join) JoinReply {
	switch l.state {
	case StateClosed:
		return JoinReply{Err: ErrClosed}
	case StateCountdown, StateRacing:
		return JoinReply{Err: ErrAlreadyRacing}
	}
	if len(l.roster) >= MaxPlayers {
		return JoinReply{Err: ErrFull}
	}
	name := strings.TrimSpace(msg.Name)
	if name == "" || len(name) > 20 {
		return JoinReply{Err: ErrBadName}
	}

	p := &Player{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     uuid.NewString(),
		IsHost:    len(l.roster) == 0,
		Connected: true,
	}
	l.roster = append(l.roster, p)
	l.clients[p.ID] = msg.Outbox
	l.log.Info("player joined",
		zap.String("player", p.ID), zap.String("name", name), zap.Int("roster", len(l.roster)))

	l.broadcastRoster()
	return JoinReply{Joined: Joined{
		PlayerID: p.ID,
		Token:    p.Token,
		Code:     l.code,
		TrackID:  l.trackID,
		Roster:   l.rosterInfo(),
	}}
}

func (l *Lobby) handleRejoin(msg Rejoin) JoinReply {
	if l.state == StateClosed {
		return JoinReply{Err: ErrClosed}
	}
	p, _ := l.find(func(p *Player) bool { return p.Token == msg.Token })
	if p == nil || p.Connected {
		return JoinReply{Err: ErrUnknownPlayer}
	}
	if t, ok := l.graceTimers[p.ID]; ok {
		t.Stop()
		delete(l.graceTimers, p.ID)
	}
	p.Connected = true
	l.clients[p.ID] = msg.Outbox
	l.log.Info("player reconnected", zap.String("player", p.ID))

	if l.state == StateRacing && l.coordinator != nil {
		// Resync the rejoining client; snapshots resume on the next tick.
		msg.Outbox <- types.ServerMessage{
			Type:           types.MsgRaceStarted,
			StartTimestamp: l.coordinator.StartedAt().UnixMilli(),
		}
	}
	l.broadcastRoster()
	return JoinReply{Joined: Joined{
		PlayerID: p.ID,
		Token:    p.Token,
		Code:     l.code,
		TrackID:  l.trackID,
		Roster:   l.rosterInfo(),
	}}
}

func (l *Lobby) handleSetReady(msg SetReady) error {
	if l.state != StateForming {
		return ErrAlreadyRacing
	}
	p, _ := l.find(func(p *Player) bool { return p.ID == msg.PlayerID })
	if p == nil {
		return ErrUnknownPlayer
	}
	p.Ready = msg.Ready
	l.broadcastRoster()
	return nil
}

func (l *Lobby) handleStartRace(msg StartRace) error {
	if l.state != StateForming {
		return ErrAlreadyRacing
	}
	p, _ := l.find(func(p *Player) bool { return p.ID == msg.PlayerID })
	if p == nil {
		return ErrUnknownPlayer
	}
	if !p.IsHost {
		return ErrForbidden
	}
	if len(l.roster) < 2 {
		return ErrNotReady
	}
	for _, p := range l.roster {
		if !p.Ready {
			return ErrNotReady
		}
	}

	if l.cfg.CountdownSeconds <= 0 {
		l.beginRace()
		return nil
	}
	l.state = StateCountdown
	l.countdownGen++
	l.broadcast(types.ServerMessage{
		Type:             types.MsgRaceCountdown,
		SecondsRemaining: l.cfg.CountdownSeconds,
	})
	go l.runCountdown(l.countdownGen, l.cfg.CountdownSeconds)
	return nil
}

// runCountdown ticks once a second into the inbox. The generation stamp makes
// a cancelled countdown's remaining ticks inert.
func (l *Lobby) runCountdown(gen, seconds int) {
	for remaining := seconds - 1; remaining >= 0; remaining-- {
		select {
		case <-time.After(time.Second):
		case <-l.ctx.Done():
			return
		}
		l.Post(countdownTick{gen: gen, remaining: remaining})
	}
}

func (l *Lobby) handleCountdownTick(msg countdownTick) {
	if l.state != StateCountdown || msg.gen != l.countdownGen {
		return
	}
	if msg.remaining > 0 {
		l.broadcast(types.ServerMessage{
			Type:             types.MsgRaceCountdown,
			SecondsRemaining: msg.remaining,
		})
		return
	}
	l.beginRace()
}

func (l *Lobby) beginRace() {
	entrants := lo.Map(l.roster, func(p *Player, _ int) race.Entrant {
		return race.Entrant{ID: p.ID, Name: p.Name}
	})
	l.coordinator = race.NewCoordinator(
		l.ctx, l.trackID, entrants, l.cfg.Race, l.log,
		func(snap types.RaceSnapshot) {
			select {
			case l.inbox <- raceSnapshot{snap: snap}:
			default: // skip a tick rather than stall the coordinator
			}
		},
		func(results []types.RaceResult) {
			go l.Post(raceEnded{results: results})
		},
	)
	l.state = StateRacing
	l.lastResults = nil
	l.log.Info("race started", zap.String("track", l.trackID), zap.Int("entrants", len(entrants)))
	l.broadcast(types.ServerMessage{
		Type:           types.MsgRaceStarted,
		StartTimestamp: l.coordinator.StartedAt().UnixMilli(),
	})
}

func (l *Lobby) handleRaceEnded(results []types.RaceResult) {
	if l.state != StateRacing {
		return
	}
	l.lastResults = results
	l.broadcast(types.ServerMessage{Type: types.MsgRaceResults, Results: results})
	l.onResults(l.trackID, results)

	if l.coordinator != nil {
		l.coordinator.Inbox() <- race.Stop{}
		l.coordinator = nil
	}
	// Back to the lobby for "race again": ready flags reset, roster kept.
	l.state = StateForming
	for _, p := range l.roster {
		p.Ready = false
	}
	l.log.Info("race ended", zap.Int("results", len(results)))
	l.broadcastRoster()
}

func (l *Lobby) handleLeave(playerID string) {
	p, idx := l.find(func(p *Player) bool { return p.ID == playerID })
	if p == nil {
		return
	}
	wasHost := p.IsHost
	l.roster = append(l.roster[:idx], l.roster[idx+1:]...)
	if ch, ok := l.clients[playerID]; ok {
		delete(l.clients, playerID)
		close(ch)
	}
	if t, ok := l.graceTimers[playerID]; ok {
		t.Stop()
		delete(l.graceTimers, playerID)
	}
	l.log.Info("player left", zap.String("player", playerID), zap.Int("roster", len(l.roster)))

	if len(l.roster) == 0 {
		l.close()
		return
	}
	// Host transfer: the next-oldest roster entry inherits.
	if wasHost {
		l.roster[0].IsHost = true
	}
	switch l.state {
	case StateCountdown:
		l.countdownGen++
		l.state = StateForming
	case StateRacing:
		if l.coordinator != nil {
			l.coordinator.Inbox() <- race.DropPlayer{PlayerID: playerID}
		}
	}
	l.broadcastRoster()
}

func (l *Lobby) handleDisconnect(playerID string) {
	if l.state != StateRacing {
		l.handleLeave(playerID)
		return
	}
	p, _ := l.find(func(p *Player) bool { return p.ID == playerID })
	if p == nil || !p.Connected {
		return
	}
	p.Connected = false
	if ch, ok := l.clients[playerID]; ok {
		delete(l.clients, playerID)
		close(ch)
	}
	grace := l.cfg.GracePeriod
	if grace <= 0 {
		l.handleLeave(playerID)
		return
	}
	l.log.Info("player disconnected mid-race, grace window open",
		zap.String("player", playerID), zap.Duration("grace", grace))
	l.graceTimers[playerID] = time.AfterFunc(grace, func() {
		l.Post(graceExpired{playerID: playerID})
	})
	l.broadcastRoster()
}

func (l *Lobby) handleGraceExpired(playerID string) {
	delete(l.graceTimers, playerID)
	p, _ := l.find(func(p *Player) bool { return p.ID == playerID })
	if p == nil || p.Connected {
		return
	}
	l.log.Info("grace window expired, evicting", zap.String("player", playerID))
	l.handleLeave(playerID)
}

// close ends the lobby's useful life. The loop keeps draining for a short
// window so in-flight senders get ErrClosed-ish replies instead of hanging,
// then Shutdown finishes it.
func (l *Lobby) close() {
	if l.state == StateClosed {
		return
	}
	l.state = StateClosed
	if l.coordinator != nil {
		l.coordinator.Inbox() <- race.Stop{}
		l.coordinator = nil
	}
	for id, ch := range l.clients {
		close(ch)
		delete(l.clients, id)
	}
	for id, t := range l.graceTimers {
		t.Stop()
		delete(l.graceTimers, id)
	}
	l.roster = nil
	l.onClose(l.code)
	time.AfterFunc(5*time.Second, func() { l.Post(Shutdown{}) })
}

func (l *Lobby) shutdown() {
	if l.state != StateClosed {
		l.state = StateClosed
		if l.coordinator != nil {
			l.coordinator.Inbox() <- race.Stop{}
			l.coordinator = nil
		}
		for id, ch := range l.clients {
			close(ch)
			delete(l.clients, id)
		}
		for id, t := range l.graceTimers {
			t.Stop()
			delete(l.graceTimers, id)
		}
		l.onClose(l.code)
	}
	if l.idle != nil {
		l.idle.Stop()
	}
	l.cancel()
}

func (l *Lobby) broadcastRoster() {
	l.broadcast(types.ServerMessage{
		Type:       types.MsgLobbyUpdate,
		LobbyState: string(l.state),
		Roster:     l.rosterInfo(),
	})
}

// broadcast delivers to every connected member in state-transition order. A
// client that can't keep up is dropped and handled like a disconnect.
func (l *Lobby) broadcast(msg types.ServerMessage) {
	var slow []string
	for id, ch := range l.clients {
		select {
		case ch <- msg:
		default:
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		l.log.Warn("dropping slow client", zap.String("player", id))
		if ch, ok := l.clients[id]; ok {
			delete(l.clients, id)
			close(ch)
		}
		if p, _ := l.find(func(p *Player) bool { return p.ID == id }); p != nil {
			p.Connected = false
			if l.state == StateRacing && l.cfg.GracePeriod > 0 {
				l.graceTimers[id] = time.AfterFunc(l.cfg.GracePeriod, func() {
					l.Post(graceExpired{playerID: id})
				})
			} else {
				l.handleLeave(id)
			}
		}
	}
}

func (l *Lobby) rosterInfo() []types.PlayerInfo {
	return lo.Map(l.roster, func(p *Player, _ int) types.PlayerInfo {
		return types.PlayerInfo{
			ID:        p.ID,
			Name:      p.Name,
			IsHost:    p.IsHost,
			Ready:     p.Ready,
			Connected: p.Connected,
		}
	})
}

func (l *Lobby) find(pred func(*Player) bool) (*Player, int) {
	for i, p := range l.roster {
		if pred(p) {
			return p, i
		}
	}
	return nil, -1
}

func (l *Lobby) view() View {
	v := View{
		State:      l.state,
		Code:       l.code,
		TrackID:    l.trackID,
		NumClients: len(l.clients),
	}
	for _, p := range l.roster {
		v.Roster = append(v.Roster, *p)
	}
	return v
}
