package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/farplane/lodtiles/internal/sched"
	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
	"github.com/farplane/lodtiles/internal/worker"
)

// Toucher is a world whose source data can be edited through the API.
type Toucher interface {
	Touch(x, z int32) int64
	CurrentTimestamp() int64
}

// Config wires the router to the running pyramid.
type Config struct {
	Logger      zerolog.Logger
	Store       *store.Store
	Scheduler   *sched.Scheduler[worker.Task, *store.Handle]
	Limits      tile.Limits
	World       Toucher       // optional, enables POST /v1/world/touch and /v1/dirty
	WaitTimeout time.Duration // per tile request, default 30s
}

// Handler serves the tile API.
type Handler struct {
	cfg  Config
	log  zerolog.Logger
	feed *changeFeed
}

// NewRouter creates the HTTP router of the tile server.
func NewRouter(cfg Config) http.Handler {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	h := &Handler{
		cfg:  cfg,
		log:  cfg.Logger,
		feed: newChangeFeed(cfg.Store, cfg.Logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /readyz", h.health)
	mux.HandleFunc("GET /v1/tiles/{level}/{x}/{y}/{z}", h.loadTile)
	mux.HandleFunc("POST /v1/tiles/{level}/{x}/{y}/{z}/update", h.updateTile)
	mux.HandleFunc("POST /v1/dirty", h.markDirty)
	mux.HandleFunc("POST /v1/world/touch", h.touch)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("GET /v1/scheduler/status", h.schedulerStatus)
	mux.HandleFunc("GET /v1/changes", h.feed.serve)
	mux.Handle("GET /metrics", promhttp.Handler())

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return CORS(RequestID(AccessLog(cfg.Logger, mux)))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) loadTile(w http.ResponseWriter, r *http.Request) {
	h.runTile(w, r, worker.StageLoad)
}

func (h *Handler) updateTile(w http.ResponseWriter, r *http.Request) {
	h.runTile(w, r, worker.StageUpdate)
}

// runTile schedules the stage at the path position and returns the stored tile.
func (h *Handler) runTile(w http.ResponseWriter, r *http.Request, stage worker.Stage) {
	pos, err := pathPos(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.cfg.Limits.IsValid(pos) {
		writeError(w, http.StatusNotFound, "position outside limits: "+pos.String())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.WaitTimeout)
	defer cancel()
	handle, err := h.cfg.Scheduler.Schedule(stage.TaskFor(pos)).Get(ctx)
	if err != nil {
		h.writeScheduleError(w, pos, err)
		return
	}
	snap, err := handle.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		// an update of a tile that was never generated
		writeError(w, http.StatusNotFound, "tile not generated: "+pos.String())
		return
	}
	resp, err := toTileResponse(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (h *Handler) writeScheduleError(w http.ResponseWriter, pos tile.Pos, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for "+pos.String())
	case errors.Is(err, context.Canceled):
		// client went away
	case errors.Is(err, sched.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "scheduler closed")
	default:
		h.log.Error().Err(err).Stringer("pos", pos).Msg("tile request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// markDirty records a dirty timestamp no newer than the world, so an UPDATE
// of the marked tiles can always be satisfied.
func (h *Handler) markDirty(w http.ResponseWriter, r *http.Request) {
	if h.cfg.World == nil {
		writeError(w, http.StatusNotFound, "world editing not enabled")
		return
	}
	var req DirtyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if cur := h.cfg.World.CurrentTimestamp(); req.Timestamp > cur {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("timestamp %d is newer than world timestamp %d", req.Timestamp, cur))
		return
	}
	positions := make([]tile.Pos, 0, len(req.Positions))
	for _, p := range req.Positions {
		pos := p.Pos()
		if !h.cfg.Limits.IsValid(pos) {
			writeError(w, http.StatusBadRequest, "position outside limits: "+pos.String())
			return
		}
		positions = append(positions, pos)
	}
	modified, err := h.cfg.Store.MultiMarkDirty(positions, req.Timestamp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, ModifiedResponse{Timestamp: req.Timestamp, Modified: toPosList(selected(positions, modified.Test))})
}

// touch edits the source data of a level 0 tile and marks it and every
// coarser tile covering it dirty at the new world timestamp.
func (h *Handler) touch(w http.ResponseWriter, r *http.Request) {
	if h.cfg.World == nil {
		writeError(w, http.StatusNotFound, "world editing not enabled")
		return
	}
	var req TouchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	base := tile.NewPos(0, req.X, req.Y, req.Z)
	if !h.cfg.Limits.IsValid(base) {
		writeError(w, http.StatusBadRequest, "position outside limits: "+base.String())
		return
	}
	var positions []tile.Pos
	for level := uint8(0); level < tile.MaxLevels; level++ {
		pos := base.UpTo(level)
		if !h.cfg.Limits.IsValid(pos) {
			break
		}
		positions = append(positions, pos)
	}

	ts := h.cfg.World.Touch(req.X, req.Z)
	modified, err := h.cfg.Store.MultiMarkDirty(positions, ts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Debug().Stringer("pos", base).Int64("timestamp", ts).Uint("dirty", modified.Count()).Msg("world touched")
	writeJSON(w, ModifiedResponse{Timestamp: ts, Modified: toPosList(selected(positions, modified.Test))})
}

func selected(positions []tile.Pos, test func(uint) bool) []tile.Pos {
	out := make([]tile.Pos, 0, len(positions))
	for i, p := range positions {
		if test(uint(i)) {
			out = append(out, p)
		}
	}
	return out
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"store":       h.cfg.Store.Stats(),
		"subscribers": h.feed.subscribers(),
	})
}

func (h *Handler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.cfg.Scheduler.Status())
}
