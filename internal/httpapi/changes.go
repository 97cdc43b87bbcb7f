package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	feedBacklog  = 256
	changedEvent = "changed"
	dirtyEvent   = "dirty"
)

// ChangeEvent is one message of the /v1/changes stream.
type ChangeEvent struct {
	Kind      string    `json:"kind"`
	Positions []PosJSON `json:"positions"`
}

// changeFeed streams store notifications to websocket subscribers. Each
// connection registers its own listener for as long as it is open.
type changeFeed struct {
	store    *store.Store
	log      zerolog.Logger
	upgrader websocket.Upgrader
	active   atomic.Int64
}

func newChangeFeed(st *store.Store, log zerolog.Logger) *changeFeed {
	return &changeFeed{
		store: st,
		log:   log.With().Str("component", "change_feed").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (f *changeFeed) subscribers() int64 {
	return f.active.Load()
}

// subscriber buffers events between the store goroutines and one connection.
// Listener calls never block: events past the backlog are dropped.
type subscriber struct {
	events  chan ChangeEvent
	dropped atomic.Int64
}

func (s *subscriber) offer(kind string, positions []tile.Pos) {
	select {
	case s.events <- ChangeEvent{Kind: kind, Positions: toPosList(positions)}:
	default:
		s.dropped.Add(1)
	}
}

func (f *changeFeed) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		f.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := &subscriber{events: make(chan ChangeEvent, feedBacklog)}
	listener := &store.ListenerFuncs{
		Changed: func(positions []tile.Pos) { sub.offer(changedEvent, positions) },
		Dirty:   func(positions []tile.Pos) { sub.offer(dirtyEvent, positions) },
	}
	if err := f.store.AddListener(listener); err != nil {
		f.log.Error().Err(err).Msg("register change listener")
		return
	}
	f.active.Add(1)
	defer func() {
		if err := f.store.RemoveListener(listener); err != nil {
			f.log.Warn().Err(err).Msg("remove change listener")
		}
		f.active.Add(-1)
	}()

	rid := GetRequestID(r.Context())
	f.log.Info().Str("rid", rid).Str("remote", r.RemoteAddr).Msg("subscriber connected")

	// The client only sends control frames; reading keeps pongs flowing and
	// notices a closed connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-sub.events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				f.log.Debug().Err(err).Str("rid", rid).Msg("subscriber write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			f.log.Info().Str("rid", rid).Int64("dropped", sub.dropped.Load()).Msg("subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}
