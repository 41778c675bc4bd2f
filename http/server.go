// Package http provides the HTTP transport for the protocol engines: a gin
// server exposing the provider operations and the per-order event stream.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ivxp-foundation/ivxp"
	"github.com/ivxp-foundation/ivxp/logger"
	"github.com/ivxp-foundation/ivxp/provider"
	"github.com/ivxp-foundation/ivxp/stream"
)

// Server adapts a provider engine to HTTP.
type Server struct {
	provider *provider.Provider
	engine   *gin.Engine
	log      logger.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's log sink.
func WithServerLogger(log logger.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer builds the protocol routes on a fresh gin engine.
func NewServer(p *provider.Provider, opts ...ServerOption) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		provider: p,
		engine:   gin.New(),
		log:      logger.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery())

	group := s.engine.Group("/ivxp")
	group.GET("/catalog", s.handleCatalog)
	group.POST("/request", s.handleRequest)
	group.POST("/deliver", s.handleDeliver)
	group.GET("/status/:orderId", s.handleStatus)
	group.GET("/download/:orderId", s.handleDownload)
	group.GET("/stream/:orderId", s.handleStream)
	return s
}

// ServeHTTP lets the server be mounted anywhere a net/http handler fits.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Catalog())
}

func (s *Server) handleRequest(c *gin.Context) {
	var req ivxp.ServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "message": err.Error()})
		return
	}
	quote, err := s.provider.HandleServiceRequest(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) handleDeliver(c *gin.Context) {
	var req ivxp.DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "message": err.Error()})
		return
	}
	ack, err := s.provider.HandleDeliveryRequest(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) handleStatus(c *gin.Context) {
	info, err := s.provider.OrderStatus(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleDownload(c *gin.Context) {
	envelope, err := s.provider.Download(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		// 202 means "keep polling". A terminal order with nothing stored can
		// never complete, so that case is a 404 instead.
		var pe *ivxp.ProtocolError
		if errors.As(err, &pe) && pe.Code == ivxp.ErrCodeDeliverableNotReady {
			if status, ok := pe.Details["status"].(string); ok && ivxp.OrderStatus(status).Terminal() {
				c.JSON(http.StatusNotFound, pe)
				return
			}
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope)
}

// handleStream serves the per-order server-sent-events subscription. A
// subscriber always gets a status_update snapshot first; orders already in a
// terminal state get their terminal event immediately.
func (s *Server) handleStream(c *gin.Context) {
	orderID := c.Param("orderId")

	// Subscribe before reading the snapshot so a transition between the two
	// is never lost: it either shows in the snapshot or arrives on the channel.
	events, cancel := s.provider.SubscribeOrder(orderID)
	defer cancel()

	info, err := s.provider.OrderStatus(c.Request.Context(), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	writeEvent(c.Writer, stream.EventStatusUpdate, map[string]interface{}{"status": info.Status.String()})

	// Replay the terminal outcome for late subscribers.
	switch info.Status {
	case ivxp.StatusDelivered, ivxp.StatusConfirmed:
		writeEvent(c.Writer, stream.EventCompleted, map[string]interface{}{"status": info.Status.String()})
		return
	case ivxp.StatusDeliveryFailed:
		writeEvent(c.Writer, stream.EventFailed, map[string]interface{}{"status": info.Status.String()})
		return
	}

	for {
		select {
		case ev := <-events:
			writeEvent(c.Writer, ev.Type, ev.Data)
			if ev.Type == stream.EventCompleted || ev.Type == stream.EventFailed {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(w gin.ResponseWriter, eventType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
	w.Flush()
}

// statusFor maps stable error codes to transport statuses.
func statusFor(code string) int {
	switch code {
	case ivxp.ErrCodeInvalidOrderID, ivxp.ErrCodeUnsupportedService, ivxp.ErrCodeUnsupportedNetwork, ivxp.ErrCodeBudgetTooLow:
		return http.StatusBadRequest
	case ivxp.ErrCodeSignatureInvalid:
		return http.StatusUnauthorized
	case ivxp.ErrCodePaymentNotFound, ivxp.ErrCodePaymentAmountMismatch, ivxp.ErrCodePaymentRejected, ivxp.ErrCodeInsufficientBalance:
		return http.StatusPaymentRequired
	case ivxp.ErrCodeOrderNotFound:
		return http.StatusNotFound
	case ivxp.ErrCodeOrderAlreadyExists, ivxp.ErrCodeOrderConcurrentModification, ivxp.ErrCodeInvalidOrderState:
		return http.StatusConflict
	case ivxp.ErrCodeQuoteExpired:
		return http.StatusGone
	case ivxp.ErrCodeDeliverableNotReady:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	var pe *ivxp.ProtocolError
	if errors.As(err, &pe) {
		c.JSON(statusFor(pe.Code), pe)
		return
	}
	s.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "message": "internal error"})
}
