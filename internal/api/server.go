// Package api exposes a read-only status surface over HTTP. The only
// mutating endpoint is the manual circuit-breaker reset.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"confluence-core/internal/analytics"
	"confluence-core/internal/events"
	"confluence-core/internal/execution"
	"confluence-core/internal/position"
	"confluence-core/pkg/db"
	"confluence-core/pkg/types"
)

// UsageReporter exposes venue rate budget consumption; the sim gateway
// implements it.
type UsageReporter interface {
	Usage() (used, limit int)
}

// Server serves engine status.
type Server struct {
	Addr       string
	Bus        *events.Bus
	Pool       *db.Pool
	Monitor    *position.Monitor
	Orders     *execution.OrderManager
	Execution  *execution.Engine
	Analytics  *analytics.Engine
	VenueUsage UsageReporter // optional
	Venue      string
	Market     types.MarketType

	srv *http.Server
}

// Name identifies the component.
func (s *Server) Name() string { return "status-api" }

// Start launches the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	api := r.Group("/api")
	{
		api.GET("/stats/bus", s.busStats)
		api.GET("/stats/pool", s.poolStats)
		api.GET("/positions", s.positions)
		api.GET("/orders", s.orders)
		api.GET("/orders/:id", s.orderByID)
		api.GET("/analytics/:symbol", s.analyticsSnapshot)
		api.GET("/risk", s.risk)
		api.POST("/risk/reset-breaker", s.resetBreaker)
	}

	s.srv = &http.Server{Addr: s.Addr, Handler: r}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("api: listen %s: %v", s.Addr, err)
		}
	}()
	log.Printf("api: listening on %s", s.Addr)
	return nil
}

// Stop shuts the listener down within the shutdown window.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now()})
}

func (s *Server) busStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Bus.Stats())
}

func (s *Server) poolStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Pool.Stats())
}

func (s *Server) positions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"open":   s.Monitor.Open(),
		"closed": s.Monitor.Closed(),
	})
}

func (s *Server) orders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"live":   s.Orders.Live(),
		"closed": s.Orders.Closed(),
	})
}

// orderByID accepts either our client order id or the venue's order id, so
// operators can chase whichever id a venue log line carries.
func (s *Server) orderByID(c *gin.Context) {
	id := c.Param("id")
	if o, ok := s.Orders.Get(id); ok {
		c.JSON(http.StatusOK, o)
		return
	}
	if o, ok := s.Orders.ByVenueID(id); ok {
		c.JSON(http.StatusOK, o)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no order " + id})
}

func (s *Server) analyticsSnapshot(c *gin.Context) {
	symbol := c.Param("symbol")
	snap := s.Analytics.Snapshot(types.Pair{Venue: s.Venue, Market: s.Market, Symbol: symbol})
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for " + symbol})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) risk(c *gin.Context) {
	stopNew, stopAll := s.Execution.Halted()
	out := gin.H{
		"health_score":     s.Monitor.HealthScore(),
		"breaker_level":    s.Monitor.BreakerLevel(),
		"open_positions":   s.Monitor.OpenCount(),
		"new_entries_halt": stopNew,
		"all_trading_halt": stopAll,
	}
	if s.VenueUsage != nil {
		used, limit := s.VenueUsage.Usage()
		out["venue_weight_used"] = used
		out["venue_weight_limit"] = limit
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) resetBreaker(c *gin.Context) {
	s.Monitor.ResetBreaker()
	s.Execution.ResumeEntries()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
