//go:build unix

package jobs

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pbs-plus/pbx-backup/internal/backend/status"
	"github.com/pbs-plus/pbx-backup/internal/proxy/controllers"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      sameOrigin,
}

// sameOrigin accepts non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *wsEmitter) write(messageType int, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return e.conn.WriteMessage(messageType, data)
}

func (e *wsEmitter) Emit(ev status.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.write(websocket.TextMessage, data)
}

// WebSocketHandler is the WebSocket rendition of StatusHandler. Each event
// is one text frame; the server closes the connection after the terminal
// event.
func WebSocketHandler(b *controllers.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		emitter := &wsEmitter{conn: conn}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go readPump(conn, cancel)
		go pingLoop(ctx, emitter)

		req, err := parseRequest(r)
		if err != nil {
			_ = emitter.Emit(status.MissingParameters())
		} else if err := b.Streamer.Stream(ctx, req, emitter); err != nil && ctx.Err() == nil {
			syslog.L.Warn().
				WithMessage("status websocket ended early").
				WithField("error", err.Error()).
				WithJob(req.TransactionID).
				Write()
		}

		_ = emitter.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

// readPump drains client frames so control messages are processed, and
// cancels the session once the client is gone.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func pingLoop(ctx context.Context, e *wsEmitter) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
