// Package api exposes the library over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lms/library"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	lm  *library.LibraryManager
	bus *library.Bus
	log *zap.Logger
	now func() time.Time

	heartbeat time.Duration
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option       { return func(s *Server) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// WithHeartbeat sets how often an idle event stream sends a keep-alive comment.
func WithHeartbeat(d time.Duration) Option { return func(s *Server) { s.heartbeat = d } }

func NewServer(lm *library.LibraryManager, bus *library.Bus, opts ...Option) *Server {
	s := &Server{lm: lm, bus: bus, log: zap.NewNop(), now: time.Now, heartbeat: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	useJSONFieldNames()

	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	api.GET("/books", s.handleListBooks)
	api.PUT("/books/:id", s.handleUpdateBook)
	api.POST("/books/copies", s.handleCopies)
	api.GET("/categories", s.handleListCategories)
	api.GET("/bookcopies", s.handleListCopies)
	api.GET("/copies", s.handleListCopies)
	api.GET("/transactions", s.handleListTransactions)
	api.POST("/transactions/borrow", s.handleBorrow)
	api.POST("/transactions/return", s.handleReturn)
	api.GET("/fines", s.handleListFines)
	api.PUT("/fines/:fineId", s.handleUpdateFine)
	api.POST("/fines/:fineId/pay", s.handlePayFine)
	api.GET("/members", s.handleListMembers)
	api.POST("/members", s.handleAddMember)
	api.GET("/staff", s.handleListStaff)
	api.GET("/overdue", s.handleOverdue)
	api.GET("/events", s.handleEvents)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
