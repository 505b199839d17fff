package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"taskchat/server/gateway"
)

type HealthResponse struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Gateway   gateway.Stats `json:"gateway"`
}

type MembersResponse struct {
	RoomKey string   `json:"roomKey"`
	Members []string `json:"members"`
}

func HandleHealth(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:    "UP",
			Timestamp: time.Now(),
			Gateway:   gw.Stats(),
		})
	}
}

// HandleRooms lists live rooms with their member counts.
func HandleRooms(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gw.Rooms())
	}
}

// HandleRoomMembers returns the presence snapshot of one room. Unknown rooms
// have no members rather than a 404, since rooms are never validated.
func HandleRoomMembers(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomKey := mux.Vars(r)["roomKey"]
		writeJSON(w, http.StatusOK, MembersResponse{
			RoomKey: roomKey,
			Members: gw.Snapshot(roomKey),
		})
	}
}

// NewRouter wires the websocket endpoint and the inspection endpoints.
func NewRouter(gw *gateway.Gateway, chat *ChatHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", HandleHealth(gw)).Methods(http.MethodGet)
	r.HandleFunc("/rooms", HandleRooms(gw)).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomKey}/members", HandleRoomMembers(gw)).Methods(http.MethodGet)
	r.Handle("/ws", chat).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("write json response", "status", status, "error", err)
	}
}
