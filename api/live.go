package api

import (
	"net/http"
	"sync"
	"time"

	"mdt-realtime/pkg/ontology"
	"mdt-realtime/pkg/realtime"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	liveBuffer     = 64
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
)

var liveKinds = map[string]bool{
	"dispatch-calls": true,
	"events":         true,
	"defcon":         true,
	"warrants":       true,
	"organizations":  true,
	"territories":    true,
	"pois":           true,
}

// liveMessage is one frame of the live feed.
type liveMessage struct {
	Type   realtime.Kind `json:"type"`
	Kind   string        `json:"kind"`
	ID     string        `json:"id,omitempty"`
	Entity any           `json:"entity,omitempty"`
	Error  string        `json:"error,omitempty"`
}

const liveOverflowReason = "live feed overflowed, reconnect and list again"

// liveClient is one websocket connection. Fan-out never blocks on it: when
// its buffer is full the frame is dropped and overflow is closed, which ends
// the connection with an error frame.
type liveClient struct {
	key      string
	kind     string
	out      chan liveMessage
	overflow chan struct{}
	once     sync.Once
	log      zerolog.Logger
}

func newLiveClient(key, kind string, size int, log zerolog.Logger) *liveClient {
	return &liveClient{
		key:      key,
		kind:     kind,
		out:      make(chan liveMessage, size),
		overflow: make(chan struct{}),
		log:      log,
	}
}

func (c *liveClient) send(msg liveMessage) {
	select {
	case c.out <- msg:
	default:
		c.once.Do(func() {
			c.log.Warn().Str("type", string(msg.Type)).Msg("live client buffer full, closing connection")
			close(c.overflow)
		})
	}
}

func subscribeLive[T any](s *realtime.Synchronizer[T], c *liveClient) func() {
	return s.Subscribe(c.key, func(ev realtime.Event[T]) {
		c.send(toLiveMessage(c.kind, ev))
	})
}

func toLiveMessage[T any](kind string, ev realtime.Event[T]) liveMessage {
	msg := liveMessage{Type: ev.Kind, Kind: kind, ID: ev.ID}
	switch ev.Kind {
	case realtime.KindInsert, realtime.KindUpdate:
		msg.Entity = ev.Entity
	case realtime.KindCurrent:
		if ev.ID != "" {
			msg.Entity = ev.Entity
		}
	case realtime.KindError:
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
	}
	return msg
}

// subscribe registers c with the synchronizer serving its kind.
func (h *Handlers) subscribe(c *liveClient) (unsubscribe func(), ok bool) {
	switch c.kind {
	case "dispatch-calls":
		return subscribeLive(h.registry.Dispatch(), c), true
	case "events":
		return subscribeLive(h.registry.Events(), c), true
	case "defcon":
		d := h.registry.Defcon()
		unsubEntities := subscribeLive(d.Synchronizer, c)
		unsubCurrent := d.SubscribeCurrent(c.key, func(ev realtime.Event[ontology.DefconStatus]) {
			c.send(toLiveMessage(c.kind, ev))
		})
		return func() {
			unsubEntities()
			unsubCurrent()
		}, true
	case "warrants":
		return subscribeLive(h.registry.Warrants(), c), true
	case "organizations":
		return subscribeLive(h.registry.Organizations(), c), true
	case "territories":
		return subscribeLive(h.registry.Territories(), c), true
	case "pois":
		return subscribeLive(h.registry.POIs(), c), true
	}
	return nil, false
}

// Live upgrades to a websocket and streams the change events of one entity
// kind of the mirrored agency.
func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	if h.opts.Agency == "" {
		sendError(w, http.StatusServiceUnavailable, "NO_MIRROR", "live feed requires a mirrored agency")
		return
	}
	if agency := r.URL.Query().Get("agency_id"); agency != "" && agency != h.opts.Agency {
		sendError(w, http.StatusBadRequest, "AGENCY_NOT_MIRRORED", "this server mirrors agency "+h.opts.Agency)
		return
	}

	key := ulid.Make().String()
	c := newLiveClient(key, r.URL.Query().Get("kind"), liveBuffer, h.log.With().Str("live_client", key).Logger())
	if !liveKinds[c.kind] {
		sendError(w, http.StatusBadRequest, "INVALID_KIND", "unknown kind "+c.kind)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	unsubscribe, _ := h.subscribe(c)
	defer unsubscribe()
	c.log.Info().Str("kind", c.kind).Msg("live client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			c.log.Info().Msg("live client disconnected")
			return
		case <-r.Context().Done():
			return
		case <-c.overflow:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			conn.WriteJSON(liveMessage{Type: realtime.KindError, Kind: c.kind, Error: liveOverflowReason})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, liveOverflowReason),
				time.Now().Add(liveWriteWait))
			return
		case msg := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("live write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
