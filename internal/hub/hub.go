package hub

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"go.uber.org/zap"

	"github.com/polytrack/polytrack-backend/internal/lobby"
	"github.com/polytrack/polytrack-backend/internal/tracks"
	"github.com/polytrack/polytrack-backend/internal/types"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	// Bounded retries so a (practically impossible) exhausted code space
	// fails the create instead of spinning.
	codeAttempts = 32
)

var (
	ErrNotFound       = errors.New("lobby not found")
	ErrCodesExhausted = errors.New("could not allocate a lobby code")
)

type HubMsg interface{ isHubMsg() }

// CreateLobby allocates a fresh code and spawns a lobby for it. The creator
// joins through the lobby's own inbox afterwards and becomes host as the
// first roster entry.
type CreateLobby struct {
	TrackID string
	Reply   chan CreateReply
}

func (CreateLobby) isHubMsg() {}

type CreateReply struct {
	Code  string
	Lobby *lobby.Lobby
	Err   error
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

func (GetLobby) isHubMsg() {}

type RemoveLobby struct{ Code string }

func (RemoveLobby) isHubMsg() {}

type ShutdownHub struct{}

func (ShutdownHub) isHubMsg() {}

// Hub is the session registry: lobby codes to live lobby actors. Code
// allocation and lookup are linearized on the hub goroutine, so two creates
// can never race the same code.
type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	cfg     lobby.Config
	log     *zap.Logger

	onResults func(code, trackID string, results []types.RaceResult)

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts the registry. onResults, if non-nil, receives each race's final
// ranking (used for optional persistence); it must not block.
func New(
	parent context.Context,
	cfg lobby.Config,
	log *zap.Logger,
	onResults func(code, trackID string, results []types.RaceResult),
) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:     make(chan HubMsg, 64),
		lobbies:   make(map[string]*lobby.Lobby),
		cfg:       cfg,
		log:       log,
		onResults: onResults,
		ctx:       ctx,
		cancel:    cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				msg.Reply <- h.create(msg.TrackID)

			case GetLobby:
				msg.Reply <- h.lobbies[normalize(msg.Code)]

			case RemoveLobby:
				delete(h.lobbies, normalize(msg.Code))

			case ShutdownHub:
				for _, lb := range h.lobbies {
					lb.Inbox() <- lobby.Shutdown{}
				}
				clear(h.lobbies)
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) create(trackID string) CreateReply {
	code, err := h.allocateCode()
	if err != nil {
		return CreateReply{Err: err}
	}
	cfg := h.cfg
	if t, ok := tracks.Lookup(trackID); ok && cfg.Race.Laps <= 0 {
		cfg.Race.Laps = t.Laps
	}
	lb := lobby.New(h.ctx, code, trackID, cfg, h.log,
		func(code string) {
			// Called from the lobby goroutine; must not block on our loop.
			go func() {
				select {
				case h.inbox <- RemoveLobby{Code: code}:
				case <-h.ctx.Done():
				}
			}()
		},
		func(trackID string, results []types.RaceResult) {
			if h.onResults != nil {
				h.onResults(code, trackID, results)
			}
		},
	)
	h.lobbies[code] = lb
	h.log.Info("lobby created", zap.String("code", code), zap.String("track", trackID))
	return CreateReply{Code: code, Lobby: lb}
}

func (h *Hub) allocateCode() (string, error) {
	for range codeAttempts {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := h.lobbies[code]; !taken {
			return code, nil
		}
		h.log.Debug("lobby code collision, regenerating", zap.String("code", code))
	}
	return "", ErrCodesExhausted
}

func generateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// normalize makes lobby code comparison case-insensitive.
func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
