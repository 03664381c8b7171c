// Package admin serves the HTTP control surface of a device: health,
// metrics, per-port module info and one-shot register access.
package admin

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/cpsw/internal/netio"
	"github.com/danmuck/cpsw/internal/observability"
	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/srp"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MaxReadLength bounds a single read request.
const MaxReadLength = 1 << 16

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	dev    *netio.Dev
	router *gin.Engine
}

func New(id, addr string, dev *netio.Dev, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		dev:      dev,
		router:   r,
	}
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	routes := s.router
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.Appeared).String(),
			"device": s.dev.Name(),
			"host":   s.dev.Host(),
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		ready := s.dev.Running()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  ready,
			"uptime": time.Since(s.Appeared).String(),
			"device": s.dev.Name(),
		})
	})

	routes.GET("/ports", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ports": s.ListPorts()})
	})

	routes.GET("/ports/:name/info", func(c *gin.Context) {
		var out strings.Builder
		if err := s.dev.DumpInfo(&out, c.Param("name")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.String(http.StatusOK, out.String())
	})

	routes.GET("/ports/:name/stats", func(c *gin.Context) {
		e, ok := s.dev.Entry(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "port not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"port": e.Name, "stats": portStats(e)})
	})

	routes.GET("/ports/:name/read", s.handleRead)
	routes.POST("/ports/:name/write", s.handleWrite)
}

func (s *Server) handleRead(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.dev.Entry(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "port not found"})
		return
	}
	off, err := strconv.ParseUint(c.DefaultQuery("offset", "0"), 0, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	n, err := strconv.Atoi(c.DefaultQuery("length", "4"))
	if err != nil || n <= 0 || n > MaxReadLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid length"})
		return
	}
	dst := make([]byte, n)
	got, err := s.dev.Read(c.Request.Context(), name, dst, off)
	if err != nil {
		s.fail(c, "read", name, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"port":   name,
		"offset": off,
		"length": got,
		"data":   hex.EncodeToString(dst[:got]),
	})
}

// WriteRequest is the body of a write. Data is hex encoded.
type WriteRequest struct {
	Offset uint64 `json:"offset"`
	Data   string `json:"data"`
	Msk1   uint8  `json:"msk1"`
	Mskn   uint8  `json:"mskn"`
}

func (s *Server) handleWrite(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.dev.Entry(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "port not found"})
		return
	}
	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := hex.DecodeString(strings.TrimPrefix(req.Data, "0x"))
	if err != nil || len(src) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data must be non-empty hex"})
		return
	}
	n, err := s.dev.Write(c.Request.Context(), name, srp.WriteArgs{
		Off:  req.Offset,
		Src:  src,
		Msk1: req.Msk1,
		Mskn: req.Mskn,
	})
	if err != nil {
		s.fail(c, "write", name, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "port": name, "written": n})
}

func (s *Server) fail(c *gin.Context, op, name string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrInvalidArg), errors.Is(err, protocol.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrBadStatus):
		status = http.StatusBadGateway
	case errors.Is(err, protocol.ErrIO), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	log.Error().
		Str("admin", s.ID).
		Str("port", name).
		Str("op", op).
		Err(err).
		Msg("register access failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{Addr: s.Addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("admin", s.ID).Str("addr", s.Addr).Msg("admin api listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
