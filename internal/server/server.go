package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shaunagostinho/espfleet/internal/announce"
	"github.com/shaunagostinho/espfleet/internal/discovery"
	"github.com/shaunagostinho/espfleet/internal/flash"
	"github.com/shaunagostinho/espfleet/internal/logger"
	"github.com/shaunagostinho/espfleet/internal/monitor"
)

// Version is reported on /health, in board listings, and in the mDNS
// advertisement.
const Version = "0.3.1"

// Server wires discovery, flashing, monitoring, and announcement
// behind one HTTP/WebSocket API.
type Server struct {
	cfg       *Config
	state     *State
	scanner   *discovery.Scanner
	flasher   *flash.Executor
	monitors  *monitor.Manager
	announcer *announce.Announcer
	archive   *logger.Logger
	engine    *gin.Engine
}

// New creates a fully wired Server from config.
func New(cfg *Config) *Server {
	state := NewState()
	s := &Server{
		cfg:       cfg,
		state:     state,
		scanner:   discovery.New(),
		flasher:   &flash.Executor{Boards: state, Writer: &flash.SerialWriter{}},
		monitors:  monitor.NewManager(state),
		announcer: announce.New(cfg.MDNS, cfg.Port, Version),
		archive:   logger.New(cfg.Logging),
	}
	s.monitors.SetArchive(s.archive)

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.MaxMultipartMemory = int64(cfg.MaxBinarySizeMB) << 20
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws/monitor/:session_id", s.handleMonitorWS)

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/boards", s.handleListBoards)
		v1.POST("/boards/scan", s.handleScan)
		v1.GET("/boards/:id", s.handleGetBoard)
		v1.POST("/flash", s.handleFlash)
		v1.POST("/reset", s.handleReset)
		v1.POST("/assign-board", s.handleAssignBoard)
		v1.DELETE("/assign-board/:id", s.handleUnassignBoard)
		v1.POST("/monitor/start", s.handleMonitorStart)
		v1.POST("/monitor/stop", s.handleMonitorStop)
		v1.POST("/monitor/keepalive", s.handleMonitorKeepAlive)
		v1.GET("/monitor/sessions", s.handleMonitorSessions)
	}
}

// Run starts the HTTP server and the background loops, then serves
// until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// First sweep before accepting traffic so the board list is
	// populated from the start.
	if n, err := s.scanOnce(ctx); err != nil {
		log.Printf("[server] initial scan failed: %v", err)
	} else {
		log.Printf("[server] initial scan found %d board(s)", n)
	}

	go s.scanLoop(ctx)
	go s.monitors.Run(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on http://%s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[server] shutting down")
	s.announcer.Shutdown()
	defer s.archive.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// scanOnce runs one discovery sweep, installs the results, and
// refreshes the mDNS advertisement to match.
func (s *Server) scanOnce(ctx context.Context) (int, error) {
	boards, err := s.scanner.Scan(ctx, discovery.Options{
		Mappings: s.cfg.Mappings(),
		Skip:     s.state.BusyPorts(),
	})
	if err != nil {
		return 0, err
	}
	s.state.ReplaceBoards(boards)

	all := s.state.Boards()
	names := make([]string, 0, len(all))
	for i := range all {
		names = append(names, all[i].Name())
	}
	if err := s.announcer.Update(announce.FleetInfo{BoardCount: len(all), BoardNames: names}); err != nil {
		log.Printf("[mdns] %v", err)
	}
	return len(all), nil
}

func (s *Server) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.ScanIntervalSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.scanOnce(ctx); err != nil {
				log.Printf("[scan] sweep failed: %v", err)
			}
		}
	}
}
