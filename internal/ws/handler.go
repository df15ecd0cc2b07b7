package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/polytrack/polytrack-backend/internal/hub"
	"github.com/polytrack/polytrack-backend/internal/lobby"
	"github.com/polytrack/polytrack-backend/internal/race"
	"github.com/polytrack/polytrack-backend/internal/tracks"
	"github.com/polytrack/polytrack-backend/internal/types"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 30 * time.Second
)

// Handler upgrades to a websocket and speaks the tagged-message protocol.
// One connection maps to at most one lobby membership at a time; leaving
// detaches and the same connection may create or join again.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		s := &session{
			conn: conn,
			hub:  h,
			log:  log,
			out:  make(chan types.ServerMessage, 32),
			ctx:  ctx,
		}
		go s.writer()
		go s.pinger(cancel)

		defer func() {
			if s.lb != nil {
				s.lb.Post(lobby.Disconnect{PlayerID: s.joined.PlayerID})
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				s.sendError(types.KindBadRequest, "malformed message")
				continue
			}
			s.dispatch(cm)
		}
	}
}

// session is the per-connection state. All fields are touched only from the
// reader loop; the writer and forwarder goroutines see only channels.
type session struct {
	conn *websocket.Conn
	hub  *hub.Hub
	log  *zap.Logger
	out  chan types.ServerMessage
	ctx  context.Context

	lb     *lobby.Lobby
	joined lobby.Joined
}

func (s *session) writer() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.out:
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err = s.conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) pinger(cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *session) send(msg types.ServerMessage) {
	select {
	case s.out <- msg:
	case <-s.ctx.Done():
	}
}

func (s *session) sendError(kind, message string) {
	s.send(types.ServerMessage{Type: types.MsgError, Kind: kind, Message: message})
}

func (s *session) dispatch(cm types.ClientMessage) {
	if s.lb == nil {
		switch cm.Type {
		case types.MsgCreateLobby:
			s.createLobby(cm)
		case types.MsgJoinLobby:
			s.joinLobby(cm)
		case types.MsgRejoin:
			s.rejoin(cm)
		default:
			s.sendError(types.KindBadRequest, "join a lobby first")
		}
		return
	}

	switch cm.Type {
	case types.MsgCreateLobby, types.MsgJoinLobby, types.MsgRejoin:
		s.sendError(types.KindBadRequest, "already in a lobby")

	case types.MsgSetReady:
		reply := make(chan error, 1)
		if s.deliver(lobby.SetReady{PlayerID: s.joined.PlayerID, Ready: cm.Ready, Reply: reply}) {
			s.ackOrError(s.await(reply))
		}

	case types.MsgStartRace:
		reply := make(chan error, 1)
		if s.deliver(lobby.StartRace{PlayerID: s.joined.PlayerID, Reply: reply}) {
			s.ackOrError(s.await(reply))
		}

	case types.MsgLeave:
		s.lb.Post(lobby.Leave{PlayerID: s.joined.PlayerID})
		s.lb = nil
		s.joined = lobby.Joined{}

	case types.MsgStateUpdate:
		s.deliver(lobby.UpdateState{
			PlayerID:  s.joined.PlayerID,
			Transform: types.Transform{Position: cm.Position, Heading: cm.Heading},
		})

	case types.MsgCheckpoint:
		reply := make(chan error, 1)
		if s.deliver(lobby.ReportCheckpoint{
			PlayerID: s.joined.PlayerID,
			LapIndex: cm.LapIndex,
			ClientTS: cm.ClientTimestamp,
			Reply:    reply,
		}) {
			s.ackOrError(s.await(reply))
		}

	case types.MsgFinish:
		reply := make(chan error, 1)
		if s.deliver(lobby.ReportFinish{
			PlayerID: s.joined.PlayerID,
			ClientTS: cm.ClientTimestamp,
			Reply:    reply,
		}) {
			s.ackOrError(s.await(reply))
		}

	default:
		s.sendError(types.KindBadRequest, "unknown message type")
	}
}

func (s *session) createLobby(cm types.ClientMessage) {
	if _, ok := tracks.Lookup(cm.TrackID); !ok {
		s.sendError(types.KindBadRequest, "unknown track")
		return
	}
	reply := make(chan hub.CreateReply, 1)
	s.hub.Inbox() <- hub.CreateLobby{TrackID: cm.TrackID, Reply: reply}
	created := <-reply
	if created.Err != nil {
		s.sendError(kindOf(created.Err), created.Err.Error())
		return
	}
	if !s.attach(created.Lobby, lobby.Join{Name: cm.PlayerName}) {
		return
	}
	s.send(types.ServerMessage{
		Type:     types.MsgLobbyCreated,
		Code:     s.joined.Code,
		PlayerID: s.joined.PlayerID,
		Token:    s.joined.Token,
		TrackID:  s.joined.TrackID,
		Roster:   s.joined.Roster,
	})
}

func (s *session) joinLobby(cm types.ClientMessage) {
	lb := s.lookup(cm.Code)
	if lb == nil {
		return
	}
	if !s.attach(lb, lobby.Join{Name: cm.PlayerName}) {
		return
	}
	s.send(types.ServerMessage{
		Type:     types.MsgLobbyJoined,
		Code:     s.joined.Code,
		PlayerID: s.joined.PlayerID,
		Token:    s.joined.Token,
		TrackID:  s.joined.TrackID,
		Roster:   s.joined.Roster,
	})
}

func (s *session) rejoin(cm types.ClientMessage) {
	lb := s.lookup(cm.Code)
	if lb == nil {
		return
	}
	reply := make(chan lobby.JoinReply, 1)
	if !lb.Post(lobby.Rejoin{Token: cm.Token, Outbox: s.newOutbox(), Reply: reply}) {
		s.sendError(types.KindNotFound, "lobby closed")
		return
	}
	res, ok := s.awaitJoin(reply)
	if !ok {
		return
	}
	if res.Err != nil {
		s.sendError(kindOf(res.Err), res.Err.Error())
		return
	}
	s.lb = lb
	s.joined = res.Joined
	s.send(types.ServerMessage{
		Type:     types.MsgLobbyJoined,
		Code:     res.Code,
		PlayerID: res.PlayerID,
		Token:    res.Token,
		TrackID:  res.TrackID,
		Roster:   res.Roster,
	})
}

func (s *session) lookup(code string) *lobby.Lobby {
	reply := make(chan *lobby.Lobby, 1)
	s.hub.Inbox() <- hub.GetLobby{Code: code, Reply: reply}
	lb := <-reply
	if lb == nil {
		s.sendError(types.KindNotFound, "lobby not found")
	}
	return lb
}

func (s *session) attach(lb *lobby.Lobby, join lobby.Join) bool {
	join.Outbox = s.newOutbox()
	join.Reply = make(chan lobby.JoinReply, 1)
	if !lb.Post(join) {
		s.sendError(types.KindNotFound, "lobby closed")
		return false
	}
	res, ok := s.awaitJoin(join.Reply)
	if !ok {
		return false
	}
	if res.Err != nil {
		s.sendError(kindOf(res.Err), res.Err.Error())
		return false
	}
	s.lb = lb
	s.joined = res.Joined
	return true
}

// newOutbox bridges a lobby-owned channel onto the connection's write queue.
// The lobby closes its end when this player is dropped; the session outlives
// that and can attach again.
func (s *session) newOutbox() chan types.ServerMessage {
	outbox := make(chan types.ServerMessage, 16)
	go func() {
		for msg := range outbox {
			select {
			case s.out <- msg:
			case <-s.ctx.Done():
				// keep draining so the lobby's broadcast never sees us
				// as slow after the connection died
			}
		}
	}()
	return outbox
}

func (s *session) ackOrError(err error) {
	if err != nil {
		s.sendError(kindOf(err), err.Error())
	}
	// Success is acknowledged by the resulting broadcast.
}

// deliver posts to the attached lobby. A lobby that already shut down is
// treated like a vanished one: the session detaches so the connection can
// create or join again.
func (s *session) deliver(m lobby.Msg) bool {
	if s.lb.Post(m) {
		return true
	}
	s.lb = nil
	s.joined = lobby.Joined{}
	s.sendError(types.KindNotFound, "lobby closed")
	return false
}

func (s *session) awaitJoin(reply <-chan lobby.JoinReply) (lobby.JoinReply, bool) {
	select {
	case res := <-reply:
		return res, true
	case <-s.ctx.Done():
		return lobby.JoinReply{}, false
	}
}

func (s *session) await(reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, lobby.ErrFull):
		return types.KindFull
	case errors.Is(err, lobby.ErrAlreadyRacing):
		return types.KindAlreadyRacing
	case errors.Is(err, lobby.ErrForbidden):
		return types.KindForbidden
	case errors.Is(err, lobby.ErrNotReady):
		return types.KindNotReady
	case errors.Is(err, lobby.ErrUnknownPlayer), errors.Is(err, lobby.ErrClosed):
		return types.KindNotFound
	case errors.Is(err, race.ErrStaleReport),
		errors.Is(err, race.ErrAlreadyFinished),
		errors.Is(err, race.ErrRaceOver):
		return types.KindStaleReport
	case errors.Is(err, race.ErrUnknownPlayer):
		return types.KindNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.KindTimeout
	default:
		return types.KindBadRequest
	}
}
