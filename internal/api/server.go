// Package api exposes the HTTP control plane: rule and entity CRUD, status,
// and user-invoked test actions. Plumbing around the core; nothing here may
// crash the process.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riftwake/bridge/internal/bridge"
	"github.com/riftwake/bridge/internal/config"
)

// Server is the control-plane HTTP server.
type Server struct {
	bridge *bridge.Bridge
	logger *zap.Logger
	router *gin.Engine
}

// New builds the router.
func New(b *bridge.Bridge, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{bridge: b, logger: logger, router: gin.New()}
	s.router.Use(gin.Recovery())

	api := s.router.Group("/api")
	{
		api.GET("/status", s.getStatus)

		api.GET("/rules", s.listRules)
		api.POST("/rules", s.createRule)
		api.PUT("/rules/:id", s.updateRule)
		api.DELETE("/rules/:id", s.deleteRule)

		api.GET("/entities", s.listEntities)
		api.PUT("/entities/:id", s.updateEntity)

		api.POST("/wake", s.wake)
		api.POST("/connect", s.connect)
		api.POST("/notify/test", s.testNotify)

		api.GET("/history/events", s.historyEvents)
		api.GET("/history/alarms", s.historyAlarms)
	}
	return s
}

// Handler returns the http handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) getStatus(c *gin.Context) {
	doc := s.bridge.Store().Snapshot()
	status := gin.H{
		"connection":      s.bridge.ConnectionState().String(),
		"push_active":     s.bridge.PushActive(),
		"config_degraded": s.bridge.Store().Degraded(),
		"paired_server":   nil,
	}
	if doc.Server != nil {
		status["paired_server"] = gin.H{
			"address": doc.Server.Address,
			"port":    doc.Server.Port,
			"name":    doc.Server.Name,
		}
	}
	c.JSON(http.StatusOK, status)
}

// ruleRequest is the create/update body. Pointer fields distinguish
// "absent" from zero so defaults apply only when the caller says nothing.
type ruleRequest struct {
	Name                string `json:"name" binding:"required"`
	Enabled             *bool  `json:"enabled"`
	EntityID            string `json:"entity_id"`
	TriggerOnActivation *bool  `json:"trigger_on_activation"`
	WakePC              bool   `json:"wake_pc"`
	SendNotification    bool   `json:"send_notification"`
	NotificationMessage string `json:"notification_message"`
	MessageFilter       string `json:"message_filter"`
}

func (r *ruleRequest) toRule(id string) config.SmartAlarmRule {
	rule := config.SmartAlarmRule{
		ID:                  id,
		Name:                r.Name,
		Enabled:             true,
		EntityID:            r.EntityID,
		TriggerOnActivation: true,
		WakePC:              r.WakePC,
		SendNotification:    r.SendNotification,
		NotificationMessage: r.NotificationMessage,
		MessageFilter:       r.MessageFilter,
	}
	if r.Enabled != nil {
		rule.Enabled = *r.Enabled
	}
	if r.TriggerOnActivation != nil {
		rule.TriggerOnActivation = *r.TriggerOnActivation
	}
	return rule
}

func (s *Server) listRules(c *gin.Context) {
	doc := s.bridge.Store().Snapshot()
	c.JSON(http.StatusOK, doc.Rules)
}

func (s *Server) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule := req.toRule(uuid.New().String())
	if err := s.bridge.Store().PutRule(rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	id := c.Param("id")
	if s.bridge.Store().Snapshot().Rule(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown rule"})
		return
	}
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule := req.toRule(id)
	if err := s.bridge.Store().PutRule(rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	if err := s.bridge.Store().DeleteRule(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listEntities(c *gin.Context) {
	doc := s.bridge.Store().Snapshot()
	entities := make([]*config.Entity, 0, len(doc.Entities))
	for _, e := range doc.Entities {
		entities = append(entities, e)
	}
	c.JSON(http.StatusOK, entities)
}

type entityRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

func (s *Server) updateEntity(c *gin.Context) {
	var req entityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.bridge.Store().RenameEntity(c.Param("id"), req.DisplayName); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// wake runs the full wake sequence. User-invoked, so errors surface as a
// structured failure rather than being swallowed.
func (s *Server) wake(c *gin.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if err := s.bridge.WakeSequence(ctx); err != nil {
			s.logger.Error("wake sequence failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "wake sequence started"})
}

func (s *Server) connect(c *gin.Context) {
	s.bridge.TriggerConnect()
	c.JSON(http.StatusAccepted, gin.H{"status": "connect requested"})
}

type notifyRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) testNotify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.bridge.Notify(c.Request.Context(), req.Message); err != nil {
		// User-invoked test action: surface the failure.
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (s *Server) historyEvents(c *gin.Context) {
	db := s.bridge.History()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history disabled"})
		return
	}
	events, err := db.RecentEntityEvents(limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) historyAlarms(c *gin.Context) {
	db := s.bridge.History()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history disabled"})
		return
	}
	firings, err := db.RecentAlarmFirings(limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, firings)
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
