package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/feedctl/internal/store"
	"github.com/danmuck/feedctl/internal/supervisor"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateView is the UI projection of one store snapshot.
type StateView struct {
	Channel  store.ChannelStatus `json:"channel"`
	Server   store.ServerStatus  `json:"server"`
	Session  supervisor.Info     `json:"session"`
	TopTasks []store.Task        `json:"top_tasks"`
	Queue    []store.QueueItem   `json:"queue"`
	Head     *store.QueueItem    `json:"head"`
}

func (s *Server) view(snap store.State) StateView {
	v := StateView{
		Channel:  snap.ChannelStatus,
		Server:   snap.ServerStatus,
		Session:  s.ctrl.Info(),
		TopTasks: store.TopTasks(snap.Tasks, store.DefaultTopTasks),
		Queue:    snap.Queue,
	}
	if head, ok := store.Head(snap.Queue); ok {
		v.Head = &head
	}
	return v
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.opts.Name,
			"version": s.opts.Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		info := s.ctrl.Info()
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"phase":   info.Phase,
			"state":   info.State,
			"service": s.opts.Name,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/channel/start", func(c *gin.Context) {
		s.command(c, s.ctrl.Start)
	})
	r.POST("/channel/stop", func(c *gin.Context) {
		s.command(c, s.ctrl.Stop)
	})

	r.GET("/status", func(c *gin.Context) {
		snap := s.store.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"session":     s.ctrl.Info(),
			"channel":     snap.ChannelStatus,
			"server":      snap.ServerStatus,
			"tasks":       len(snap.Tasks),
			"queue_depth": len(snap.Queue),
		})
	})

	r.GET("/tasks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": s.store.Tasks()})
	})

	r.GET("/tasks/top", func(c *gin.Context) {
		limit := store.DefaultTopTasks
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		c.JSON(http.StatusOK, gin.H{"tasks": s.store.TopTasks(limit)})
	})

	r.GET("/queue", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"queue": s.store.Queue()})
	})

	r.GET("/queue/head", func(c *gin.Context) {
		head, ok := s.store.Head()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"head": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"head": head})
	})

	r.POST("/queue/process", func(c *gin.Context) {
		if err := s.ctrl.Retrigger(); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, supervisor.ErrNotActive):
				status = http.StatusConflict
			case errors.Is(err, supervisor.ErrBusy):
				status = http.StatusTooManyRequests
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	r.GET("/state/stream", s.streamState)
}

func (s *Server) command(c *gin.Context, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.CommandTimeout)
	defer cancel()
	if err := run(ctx); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, supervisor.ErrStopped):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.ctrl.Info()})
}

// streamState pushes a StateView as a server-sent event after every store change.
func (s *Server) streamState(c *gin.Context) {
	ctx := c.Request.Context()
	updates := s.store.Watch(ctx)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("state", s.view(snap))
			return true
		}
	})
}
