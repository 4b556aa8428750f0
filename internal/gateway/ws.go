package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loykin/booklore-runner/internal/metrics"
)

const controlWait = 5 * time.Second

// session joins a client connection and a backend connection. Each side is
// written by exactly one pump; control frames use WriteControl, which is
// safe alongside it.
type session struct {
	id      string
	client  *websocket.Conn
	backend *websocket.Conn
	once    sync.Once
}

func (g *Gateway) proxyWS(c *gin.Context) {
	client, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already replied
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	id := uuid.NewString()
	target := g.wsURL
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}
	hdr := http.Header{}
	if v := c.GetHeader("Authorization"); v != "" {
		hdr.Set("Authorization", v)
	}
	backend, resp, err := g.dialer.DialContext(c.Request.Context(), target, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		metrics.IncUpstreamError("ws")
		slog.Warn("backend websocket dial failed", "session", id, "error", err)
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unavailable"),
			time.Now().Add(controlWait))
		_ = client.Close()
		return
	}

	s := &session{id: id, client: client, backend: backend}
	g.track(s)
	defer g.untrack(s)
	metrics.WSSessionOpened()
	defer metrics.WSSessionClosed()
	slog.Debug("websocket session opened", "session", id)
	s.run(g.opts.MaxBody)
	slog.Debug("websocket session closed", "session", id)
}

// run pumps frames both ways until either side ends, then closes both.
func (s *session) run(limit int64) {
	s.client.SetReadLimit(limit)
	s.backend.SetReadLimit(limit)
	relayControl(s.client, s.backend)
	relayControl(s.backend, s.client)

	done := make(chan error, 2)
	go func() { done <- pump(s.backend, s.client) }()
	go func() { done <- pump(s.client, s.backend) }()

	first := <-done
	s.closeConns()
	<-done
	if first != nil && !isNormalClose(first) {
		slog.Debug("websocket pump ended", "session", s.id, "error", first)
	}
}

// pump copies text and binary messages from src to dst.
func pump(dst, src *websocket.Conn) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return err
		}
	}
}

// relayControl forwards ping, pong and close frames read on src to dst
// unchanged instead of answering them locally.
func relayControl(src, dst *websocket.Conn) {
	forward := func(mt int) func(string) error {
		return func(data string) error {
			err := dst.WriteControl(mt, []byte(data), time.Now().Add(controlWait))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
	}
	src.SetPingHandler(forward(websocket.PingMessage))
	src.SetPongHandler(forward(websocket.PongMessage))
	src.SetCloseHandler(func(code int, text string) error {
		msg := websocket.FormatCloseMessage(code, text)
		deadline := time.Now().Add(controlWait)
		_ = dst.WriteControl(websocket.CloseMessage, msg, deadline)
		// complete the handshake with the side that started it
		_ = src.WriteControl(websocket.CloseMessage, msg, deadline)
		return nil
	})
}

// close sends a close frame to both sides and drops the connections.
func (s *session) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(controlWait)
	_ = s.client.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = s.backend.WriteControl(websocket.CloseMessage, msg, deadline)
	s.closeConns()
}

func (s *session) closeConns() {
	s.once.Do(func() {
		_ = s.client.Close()
		_ = s.backend.Close()
	})
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
