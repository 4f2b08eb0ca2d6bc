// Package bridge exposes a session to the bundled web UI: static assets,
// health and metrics endpoints, and a WebSocket that relays assistant
// messages both ways.
package bridge

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/session"
)

type Config struct {
	UIDir          string   // served at /, optional
	AllowedOrigins []string // WebSocket origins; empty allows any
	SendBuffer     int      // queued frames per client
}

type Server struct {
	config Config
	facade session.Facade
	logger logging.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mutex    sync.Mutex
	http     *http.Server
	listener net.Listener
	clients  sync.WaitGroup
}

func NewServer(config Config, facade session.Facade, logger logging.Logger) *Server {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		facade: facade,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", s.handleWebSocket)

	if s.config.UIDir != "" {
		files := http.FileServer(http.Dir(s.config.UIDir))
		engine.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.AbortWithStatus(http.StatusMethodNotAllowed)
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	}
	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debugf("HTTP request, method: %s, path: %s, status: %d, elapsed: %v",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(started))
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.logger.Warnf("Rejecting WebSocket origin, origin: %s", origin)
	return false
}

// Handler is the HTTP handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session_id": s.facade.ID(),
		"state":      string(s.facade.State()),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorf("Failed to upgrade WebSocket, error: %v", err)
		return
	}

	s.clients.Add(1)
	defer s.clients.Done()

	s.logger.Infof("UI client connected, remote: %s", conn.RemoteAddr())
	client := newClient(conn, s.facade, s.config.SendBuffer, s.logger)
	if err := client.run(s.ctx); err != nil {
		s.logger.Debugf("UI client ended, remote: %s, error: %v", conn.RemoteAddr(), err)
	}
	s.logger.Infof("UI client disconnected, remote: %s", conn.RemoteAddr())
}

// Start listens on address and serves in the background
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.NewIOError("failed to listen for UI bridge", err).WithContext("address", address)
	}

	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mutex.Lock()
	s.http = server
	s.listener = listener
	s.mutex.Unlock()

	s.logger.Infof("UI bridge listening, address: %s", listener.Addr())
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("UI bridge server failed, error: %v", err)
		}
	}()
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests and closes every WebSocket client
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mutex.Lock()
	server := s.http
	s.mutex.Unlock()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.NewTimeoutError("UI clients did not close before shutdown deadline", ctx.Err())
	}
	return err
}
