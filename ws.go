package main

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/tracebox/session"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn is a player connected over a websocket. Each text frame carries
// one protocol line, without the delimiter.
type wsConn struct {
	conn   *websocket.Conn
	remote string
}

func (c *wsConn) SendLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))

	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

// splitFrame returns the lines in one text frame. Clients normally send one
// line per frame, but delimited batches are accepted too.
func splitFrame(data []byte) []string {
	text := strings.TrimSuffix(string(data), "\n")
	text = strings.TrimSuffix(text, "\r")

	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	return lines
}

func serveWS(cfg *Config, coord *session.Coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "CONNS: Websocket upgrade from %s failed: %v", realIP(r), err)
			return
		}

		t := &wsConn{conn: conn, remote: realIP(r)}

		s, err := coord.Accept(t)
		if err != nil {
			logf(cfg, "CONNS: Refused %s: %v", t.RemoteAddr(), err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		defer coord.Disconnect(s)

		readWS(cfg, coord, s, conn)
	}
}

func readWS(cfg *Config, coord *session.Coordinator, s *session.Session, conn *websocket.Conn) {
	conn.SetReadLimit(int64(cfg.maxLine + 2))
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var last atomic.Int64
	last.Store(time.Now().UnixNano())

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if cfg.idleTimeout > 0 && time.Since(time.Unix(0, last.Load())) > cfg.idleTimeout {
					logf(cfg, "CONNS: %s idle for %s, closing", s, cfg.idleTimeout)
					_ = conn.Close()
					return
				}
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				logf(cfg, "CONNS: Read from %s failed: %v", s, err)
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		last.Store(time.Now().UnixNano())

		if kind != websocket.TextMessage {
			continue
		}

		for _, line := range splitFrame(data) {
			coord.Receive(s, line)
		}
	}
}

// wsURL is the address players use to join through /ws, honoring TLS and
// a reverse proxy's X-Forwarded-Proto.
func wsURL(cfg *Config, r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	switch r.Header.Get("X-Forwarded-Proto") {
	case "https":
		scheme = "wss"
	case "http":
		scheme = "ws"
	}

	return scheme + "://" + r.Host + cfg.prefix + "/ws"
}

func serveQR(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		const qrSize = 320

		png, err := qrcode.Encode(wsURL(cfg, r), qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		_, _ = w.Write(png)
	}
}
