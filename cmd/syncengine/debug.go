package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Engine is the part of clientsync.Engine the debug server reads from.
type Engine interface {
	Rooms() []*internal.RoomSummary
	Room(roomID string) *internal.RoomSummary
	Messages(ctx context.Context, roomID string, limit int) ([]internal.ChatMessage, error)
	FetchOlderMessages(ctx context.Context, roomID string, pageSize int) bool
	HydrationProgress() (hydrated, total int)
	SyncRunning() bool
	SyncCursor() string
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

type roomsResponse struct {
	Rooms    []*internal.RoomSummary `json:"rooms"`
	Hydrated int                     `json:"hydrated"`
	Total    int                     `json:"total"`
	Syncing  bool                    `json:"syncing"`
	Since    string                  `json:"since"`
}

type messagesResponse struct {
	RoomID   string                 `json:"room_id"`
	Messages []internal.ChatMessage `json:"messages"`
}

type backfillResponse struct {
	Queued bool `json:"queued"`
}

func newDebugServer(engine Engine) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/rooms", util.MakeJSONAPI(util.NewJSONRequestHandler(func(req *http.Request) util.JSONResponse {
		hydrated, total := engine.HydrationProgress()
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: roomsResponse{
				Rooms:    engine.Rooms(),
				Hydrated: hydrated,
				Total:    total,
				Syncing:  engine.SyncRunning(),
				Since:    engine.SyncCursor(),
			},
		}
	}))).Methods(http.MethodGet)
	r.Handle("/rooms/{roomID}", util.MakeJSONAPI(util.NewJSONRequestHandler(func(req *http.Request) util.JSONResponse {
		roomID := mux.Vars(req)["roomID"]
		room := engine.Room(roomID)
		if room == nil {
			return util.MessageResponse(http.StatusNotFound, fmt.Sprintf("unknown room %s", roomID))
		}
		return util.JSONResponse{Code: http.StatusOK, JSON: room}
	}))).Methods(http.MethodGet)
	r.Handle("/rooms/{roomID}/messages", util.MakeJSONAPI(util.NewJSONRequestHandler(func(req *http.Request) util.JSONResponse {
		roomID := mux.Vars(req)["roomID"]
		limit, err := intParam(req, "limit")
		if err != nil {
			return util.MessageResponse(http.StatusBadRequest, err.Error())
		}
		msgs, err := engine.Messages(req.Context(), roomID, limit)
		if err != nil {
			hlog.FromRequest(req).Err(err).Str("room", roomID).Msg("failed to load messages")
			return util.ErrorResponse(err)
		}
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: messagesResponse{RoomID: roomID, Messages: msgs},
		}
	}))).Methods(http.MethodGet)
	r.Handle("/rooms/{roomID}/backfill", util.MakeJSONAPI(util.NewJSONRequestHandler(func(req *http.Request) util.JSONResponse {
		roomID := mux.Vars(req)["roomID"]
		pageSize, err := intParam(req, "page_size")
		if err != nil {
			return util.MessageResponse(http.StatusBadRequest, err.Error())
		}
		// the job outlives the request
		queued := engine.FetchOlderMessages(context.Background(), roomID, pageSize)
		return util.JSONResponse{
			Code: http.StatusAccepted,
			JSON: backfillResponse{Queued: queued},
		}
	}))).Methods(http.MethodPost)

	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Debug().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}
}

// intParam reads a non-negative query parameter. Absent means 0, i.e the engine's default.
func intParam(req *http.Request, name string) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
