// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the exploration operations over HTTP for editor
// hosts. Every state-changing response carries the refreshed view model so
// the host can redraw without a second round trip; the same view is pushed
// over the WebSocket gateway for hosts that subscribe to it.
package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/branchlens/internal/provider"
	"github.com/traylinx/branchlens/internal/session"
	"github.com/traylinx/branchlens/internal/wsgateway"
)

// Server wires the session registry, controller, and push gateway onto a
// gin engine.
type Server struct {
	ctl     *session.Controller
	gateway *wsgateway.Manager

	mu      sync.Mutex
	entries map[string]*entry
}

// entry pairs a session with the document text the host has staged for the
// next completion request.
type entry struct {
	sess     *session.Session
	mu       sync.Mutex
	document string
}

// NewServer creates a server. The gateway may be nil when no push channel
// is wanted (tests).
func NewServer(ctl *session.Controller, gateway *wsgateway.Manager) *Server {
	return &Server{
		ctl:     ctl,
		gateway: gateway,
		entries: make(map[string]*entry),
	}
}

// RegisterRoutes mounts all session routes and the WebSocket upgrade path
// on the engine.
func (s *Server) RegisterRoutes(engine *gin.Engine) {
	v1 := engine.Group("/v1")
	v1.POST("/sessions", s.handleCreateSession)
	v1.PUT("/sessions/:id/document", s.handleSetDocument)
	v1.GET("/sessions/:id/view", s.handleView)
	v1.POST("/sessions/:id/completion", s.handleCompletion)
	v1.POST("/sessions/:id/accept", s.handleAccept)
	v1.POST("/sessions/:id/dismiss", s.handleDismiss)
	v1.POST("/sessions/:id/alternatives", s.handleAlternatives)
	v1.POST("/sessions/:id/alternatives/use", s.handleUseAlternative)
	v1.POST("/sessions/:id/alternatives/cancel", s.handleCancelAlternatives)
	v1.POST("/sessions/:id/history/previous", s.handleHistoryPrevious)
	v1.POST("/sessions/:id/history/next", s.handleHistoryNext)

	if s.gateway != nil {
		engine.GET(s.gateway.Path(), func(c *gin.Context) {
			s.gateway.Handle(c.Writer, c.Request)
		})
	}
}

// lookup returns the entry for a session id, or nil when unknown.
func (s *Server) lookup(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[id]
}

// createSession registers a session under the given id; an empty id mints
// a UUID.
func (s *Server) createSession(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := s.entries[id]; ok {
		return existing, false
	}
	e := &entry{sess: session.NewSession(id)}
	s.entries[id] = e
	return e, true
}

type createSessionRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	e, created := s.createSession(req.ID)
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"id": e.sess.ID, "view": e.sess.View()})
}

type setDocumentRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSetDocument(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	var req setDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	e.mu.Lock()
	e.document = req.Content
	e.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"view": e.sess.View()})
}

func (s *Server) handleView(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"view":     e.sess.View(),
		"document": e.sess.Document(),
	})
}

func (s *Server) handleCompletion(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	e.mu.Lock()
	document := e.document
	e.mu.Unlock()

	err := s.ctl.RequestCompletion(c.Request.Context(), e.sess, document)
	s.respond(c, e, err)
}

type alternativesRequest struct {
	Offset int `json:"offset"`
}

func (s *Server) handleAlternatives(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	var req alternativesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := s.ctl.RequestAlternatives(c.Request.Context(), e.sess, req.Offset)
	s.respond(c, e, err)
}

type useAlternativeRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleUseAlternative(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	var req useAlternativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := s.ctl.ChooseAlternative(c.Request.Context(), e.sess, req.Index)
	s.respond(c, e, err)
}

func (s *Server) handleCancelAlternatives(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	s.respond(c, e, s.ctl.CancelAlternatives(e.sess))
}

func (s *Server) handleAccept(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	s.respond(c, e, s.ctl.Accept(e.sess))
}

func (s *Server) handleDismiss(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	s.respond(c, e, s.ctl.Dismiss(e.sess))
}

func (s *Server) handleHistoryPrevious(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	s.respond(c, e, s.ctl.GoToHistory(e.sess, -1))
}

func (s *Server) handleHistoryNext(c *gin.Context) {
	e := s.lookup(c.Param("id"))
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"notice": "Unknown session."})
		return
	}
	s.respond(c, e, s.ctl.GoToHistory(e.sess, 1))
}

// respond maps an operation result to the HTTP response and pushes the
// refreshed view to any WebSocket subscriber. Expected rejections carry
// their notice; provider failures surface as 502.
func (s *Server) respond(c *gin.Context, e *entry, err error) {
	view := e.sess.View()
	document := e.sess.Document()

	if err == nil {
		s.push(e.sess.ID, view)
		c.JSON(http.StatusOK, gin.H{"view": view, "document": document})
		return
	}

	if notice, ok := session.NoticeFor(err); ok {
		status := http.StatusConflict
		if errors.Is(err, session.ErrNoTokenAtPosition) || errors.Is(err, session.ErrInvalidAlternative) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"notice": string(notice), "view": view})
		return
	}

	var statusErr provider.StatusError
	if errors.As(err, &statusErr) {
		log.WithField("session_id", e.sess.ID).Warnf("provider error: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "view": view})
		return
	}

	log.WithField("session_id", e.sess.ID).Errorf("operation failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "view": view})
}

func (s *Server) push(sessionID string, view any) {
	if s.gateway == nil {
		return
	}
	if err := s.gateway.Publish(sessionID, view); err != nil {
		log.Debugf("view push for session %s failed: %v", sessionID, err)
	}
}
