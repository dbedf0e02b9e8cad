// Package eventsource is a demo feed for local runs and tests. Every interval it
// sends each connected client one task and one amount message over websocket
// or newline-delimited tcp.
package eventsource

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// epochMillis keeps task ids unique across restarts of the demo feed.
const epochMillis = 1511098000000

const closeCommand = "close"

type Config struct {
	ListenAddr string
	// TCPAddr enables the line-delimited listener when set.
	TCPAddr   string
	Interval  time.Duration
	Amounts   []int64
	EmitTasks bool
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: ":3000",
		Interval:   2 * time.Second,
		Amounts:    []int64{10, 20, 20, 20, 20, 20, 20},
		EmitTasks:  true,
	}
}

type taskMessage struct {
	TaskName string `json:"taskName"`
	TaskID   int64  `json:"taskID"`
}

type amountMessage struct {
	Amount int64 `json:"amount"`
}

type Server struct {
	cfg        Config
	baseTaskID int64
	tick       atomic.Int64
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(cfg Config, now time.Time) *Server {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if len(cfg.Amounts) == 0 {
		cfg.Amounts = def.Amounts
	}
	return &Server{
		cfg:        cfg,
		baseTaskID: BaseTaskID(now),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// BaseTaskID is the rounded number of seconds between the feed epoch and now.
func BaseTaskID(now time.Time) int64 {
	delta := now.UnixMilli() - epochMillis
	return (delta + 500) / 1000
}

// Frames returns the messages for one tick, task first.
func (s *Server) Frames(tick int64) [][]byte {
	frames := make([][]byte, 0, 2)
	if s.cfg.EmitTasks {
		id := s.baseTaskID + tick
		task, _ := json.Marshal(taskMessage{TaskName: "Task " + strconv.FormatInt(id, 10), TaskID: id})
		frames = append(frames, task)
	}
	amount, _ := json.Marshal(amountMessage{Amount: s.cfg.Amounts[0]})
	return append(frames, amount)
}

// Run serves websocket clients on ListenAddr and, when configured, tcp clients
// on TCPAddr until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("eventsource.Server.Run ws listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if strings.TrimSpace(s.cfg.TCPAddr) != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			_ = httpServer.Close()
			return err
		}
		log.Info().Str("addr", ln.Addr().String()).Msg("eventsource.Server.Run tcp listening")
		g.Go(func() error { return s.Serve(ctx, ln) })
	}
	g.Go(func() error {
		s.Broadcast(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAllClients()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Broadcast advances the tick every interval and fans the frames out to every client.
func (s *Server) Broadcast(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames := s.Frames(s.tick.Add(1))
			for _, c := range s.snapshotClients() {
				for _, frame := range frames {
					c.offer(frame)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request to a websocket client.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("eventsource.Server.ServeHTTP upgrade")
		return
	}
	c := newClient(r.RemoteAddr, func() error {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return conn.Close()
	})
	go c.writeLoop(func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, frame)
	})
	s.serveClient(c, func() ([]byte, error) {
		_, data, err := conn.ReadMessage()
		return data, err
	})
}

// Serve is the tcp accept loop on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllClients()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleTCP(conn)
	}
}

func (s *Server) handleTCP(conn net.Conn) {
	c := newClient(conn.RemoteAddr().String(), conn.Close)
	go c.writeLoop(func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		line := make([]byte, 0, len(frame)+1)
		line = append(line, frame...)
		_, err := conn.Write(append(line, '\n'))
		return err
	})
	scanner := bufio.NewScanner(conn)
	s.serveClient(c, func() ([]byte, error) {
		if scanner.Scan() {
			return []byte(strings.TrimSpace(scanner.Text())), nil
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	})
}

// serveClient tracks c and reads inbound messages until the peer leaves or
// sends the close command.
func (s *Server) serveClient(c *client, read func() ([]byte, error)) {
	s.trackClient(c)
	defer s.untrackClient(c)
	defer c.close()
	log.Info().Str("remote", c.remote).Int("clients", s.ClientCount()).Msg("eventsource.Server connection opened")

	for {
		msg, err := read()
		if err != nil {
			log.Info().Str("remote", c.remote).Msg("eventsource.Server connection closed")
			return
		}
		if string(msg) == closeCommand {
			log.Info().Str("remote", c.remote).Msg("eventsource.Server close requested")
			return
		}
		log.Info().Str("remote", c.remote).Str("msg", string(msg)).Msg("eventsource.Server received")
	}
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) trackClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) untrackClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) closeAllClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

type client struct {
	remote  string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	closeFn func() error
}

func newClient(remote string, closeFn func() error) *client {
	return &client{
		remote:  remote,
		send:    make(chan []byte, 16),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

// offer drops the frame when the client is not keeping up.
func (c *client) offer(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		log.Debug().Str("remote", c.remote).Msg("eventsource.client.offer dropped")
	}
}

func (c *client) writeLoop(write func([]byte) error) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := write(frame); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.closeFn()
	})
}
