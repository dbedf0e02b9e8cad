package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsLink struct {
	conn      *websocket.Conn
	cfg       Config
	writeMu   sync.Mutex
	stop      chan struct{}
	closeOnce sync.Once
}

func dialWS(ctx context.Context, address string, cfg Config) (link, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := d.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(int64(cfg.MaxLineBytes))
	l := &wsLink{conn: conn, cfg: cfg, stop: make(chan struct{})}
	if cfg.PingInterval > 0 {
		l.armKeepalive()
		go l.pingLoop()
	}
	return l, nil
}

// armKeepalive expects some inbound traffic or a pong within two ping intervals.
func (l *wsLink) armKeepalive() {
	window := 2 * l.cfg.PingInterval
	_ = l.conn.SetReadDeadline(time.Now().Add(window))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(window))
	})
}

func (l *wsLink) pingLoop() {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("transport.wsLink.pingLoop stop")
				return
			}
		}
	}
}

func (l *wsLink) ReadMessage() ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if l.cfg.PingInterval > 0 {
		_ = l.conn.SetReadDeadline(time.Now().Add(2 * l.cfg.PingInterval))
	}
	return data, nil
}

func (l *wsLink) WriteMessage(ctx context.Context, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(writeDeadline(ctx, l.cfg.WriteTimeout)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}

func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
