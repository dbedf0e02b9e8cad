package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
)

// tcpLink frames messages as newline-terminated lines.
type tcpLink struct {
	conn    net.Conn
	scanner *bufio.Scanner
	cfg     Config
	writeMu sync.Mutex
}

func dialTCP(ctx context.Context, address string, cfg Config) (link, error) {
	d := net.Dialer{Timeout: cfg.HandshakeTimeout, KeepAlive: cfg.PingInterval}
	if cfg.PingInterval <= 0 {
		d.KeepAlive = -1
	}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), cfg.MaxLineBytes)
	return &tcpLink{conn: conn, scanner: scanner, cfg: cfg}, nil
}

func (l *tcpLink) ReadMessage() ([]byte, error) {
	for l.scanner.Scan() {
		line := l.scanner.Bytes()
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := l.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (l *tcpLink) WriteMessage(ctx context.Context, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(writeDeadline(ctx, l.cfg.WriteTimeout)); err != nil {
		return err
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := l.conn.Write(buf)
	return err
}

func (l *tcpLink) Close() error {
	return l.conn.Close()
}
