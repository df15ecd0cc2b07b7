package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/polytrack/polytrack-backend/internal/hub"
	"github.com/polytrack/polytrack-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Post("/lobbies", CreateLobby(h, log))
	r.Get("/lobbies/{code}", GetLobby(h))
	r.Get("/tracks", ListTracks)
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, log))
	return r
}
