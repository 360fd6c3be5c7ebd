package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"loatodo/internal/engine"
)

type progressRequest struct {
	Delta    *int `json:"delta"`
	Absolute *int `json:"absolute"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// target reads the :character or :server path segment.
func target(c *gin.Context) engine.Target {
	return engine.Target{Character: c.Param("character"), Server: c.Param("server")}
}

// handleListTasks returns the tasks of a character or server. ?all=true
// includes disabled and hidden tasks.
func (s *Server) handleListTasks(c *gin.Context) {
	all, _ := strconv.ParseBool(c.DefaultQuery("all", "false"))
	tasks, err := s.svc.ListTasks(c.Request.Context(), principal(c), target(c), engine.ListOptions{All: all})
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"tasks": tasks})
}

// handleTaskState returns one task's reconciled state.
func (s *Server) handleTaskState(c *gin.Context) {
	view, err := s.svc.TaskState(c.Request.Context(), principal(c), target(c), c.Param("task"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"task": view})
}

// handleSubmitProgress applies a delta or absolute progress value.
func (s *Server) handleSubmitProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if (req.Delta == nil) == (req.Absolute == nil) {
		s.badRequestMsg(c, "exactly one of delta or absolute is required")
		return
	}
	change := engine.ProgressChange{Absolute: req.Absolute}
	if req.Delta != nil {
		change.Delta = *req.Delta
	}

	view, err := s.svc.SubmitProgress(c.Request.Context(), principal(c), target(c), c.Param("task"), change)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"task": view})
}

// handleToggle sets the enabled override of a task.
func (s *Server) handleToggle(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Enabled == nil {
		s.badRequestMsg(c, "enabled is required")
		return
	}

	view, err := s.svc.SubmitEnabledToggle(c.Request.Context(), principal(c), target(c), c.Param("task"), *req.Enabled)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"task": view})
}

// handleGroupState returns every task of a named group.
func (s *Server) handleGroupState(c *gin.Context) {
	group, err := s.svc.GroupState(c.Request.Context(), principal(c), target(c), c.Param("group"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"group": group})
}

// handleCheckAll completes every task of a named group.
func (s *Server) handleCheckAll(c *gin.Context) {
	group, err := s.svc.CheckAll(c.Request.Context(), principal(c), target(c), c.Param("group"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"group": group})
}
