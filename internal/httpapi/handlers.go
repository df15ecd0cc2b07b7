package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/polytrack/polytrack-backend/internal/hub"
	"github.com/polytrack/polytrack-backend/internal/lobby"
	"github.com/polytrack/polytrack-backend/internal/tracks"
	"github.com/polytrack/polytrack-backend/internal/types"
)

// CreateLobby pre-allocates a lobby over plain HTTP so a client can show the
// code before opening its websocket. The creator still joins (and becomes
// host) through the socket.
func CreateLobby(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TrackID string `json:"trackId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if _, ok := tracks.Lookup(body.TrackID); !ok {
			http.Error(w, "unknown track", http.StatusBadRequest)
			return
		}

		reply := make(chan hub.CreateReply, 1)
		h.Inbox() <- hub.CreateLobby{TrackID: body.TrackID, Reply: reply}
		created := <-reply
		if created.Err != nil {
			log.Error("lobby creation failed", zap.Error(created.Err))
			http.Error(w, "failed to create lobby", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			Code string `json:"code"`
		}{Code: created.Code})
	}
}

// GetLobby reports a lobby's state and roster so a client can vet a code
// before connecting. Reconnect tokens never leave the lobby goroutine.
func GetLobby(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan *lobby.Lobby, 1)
		h.Inbox() <- hub.GetLobby{Code: chi.URLParam(r, "code"), Reply: reply}
		lb := <-reply
		if lb == nil {
			http.Error(w, hub.ErrNotFound.Error(), http.StatusNotFound)
			return
		}

		viewReply := make(chan lobby.View, 1)
		if !lb.Post(lobby.GetView{Reply: viewReply}) {
			http.Error(w, hub.ErrNotFound.Error(), http.StatusNotFound)
			return
		}
		v := <-viewReply

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Code    string             `json:"code"`
			TrackID string             `json:"trackId"`
			State   string             `json:"state"`
			Roster  []types.PlayerInfo `json:"roster"`
		}{
			Code:    v.Code,
			TrackID: v.TrackID,
			State:   string(v.State),
			Roster: lo.Map(v.Roster, func(p lobby.Player, _ int) types.PlayerInfo {
				return types.PlayerInfo{
					ID:        p.ID,
					Name:      p.Name,
					IsHost:    p.IsHost,
					Ready:     p.Ready,
					Connected: p.Connected,
				}
			}),
		})
	}
}

func ListTracks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tracks.All())
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
