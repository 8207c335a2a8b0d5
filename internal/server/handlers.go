package server

import (
	stderrors "errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/errors"
	"github.com/clipforge/clipforge/internal/stages"
	"github.com/clipforge/clipforge/internal/worker"
)

type enqueueRequest struct {
	OwnerID  string               `json:"owner_id"`
	TargetID string               `json:"target_id" binding:"required"`
	Kind     string               `json:"kind"`
	Params   worker.ProcessParams `json:"params"`
}

// workUnitResponse is the API projection of a work unit row.
type workUnitResponse struct {
	ID         string  `json:"id"`
	OwnerID    string  `json:"owner_id"`
	TargetID   string  `json:"target_id"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	Stage      string  `json:"stage,omitempty"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message,omitempty"`
	Attempts   int     `json:"attempts"`
	Live       bool    `json:"live"`
	ResultRefs string  `json:"result_refs,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

func toResponse(u *database.WorkUnit) workUnitResponse {
	return workUnitResponse{
		ID:         u.ID,
		OwnerID:    u.OwnerID,
		TargetID:   u.TargetID,
		Kind:       u.Kind,
		Status:     string(u.Status),
		Stage:      u.Stage,
		Progress:   u.Progress,
		Message:    u.Message,
		Attempts:   u.Attempts,
		Live:       u.Live(),
		ResultRefs: u.ResultRefs,
		CreatedAt:  u.CreatedAt.Unix(),
		UpdatedAt:  u.UpdatedAt.Unix(),
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleEnqueue registers a work unit. A fresh unit answers 201; a duplicate
// enqueue answers 200 with the existing live unit.
func (s *Server) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleValidationError(c, "malformed request body", "body")
		return
	}

	unit, created, err := s.service.Enqueue(c.Request.Context(), req.OwnerID, req.TargetID, req.Kind, req.Params)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"work_unit": toResponse(unit), "created": created})
}

func (s *Server) handleGet(c *gin.Context) {
	unit, err := s.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"work_unit": toResponse(unit)})
}

func (s *Server) handleListByTarget(c *gin.Context) {
	targetID := c.Query("target_id")
	if targetID == "" {
		errors.HandleValidationError(c, "target_id query parameter is required", "target_id")
		return
	}

	units, err := s.service.ListByTarget(c.Request.Context(), targetID)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]workUnitResponse, 0, len(units))
	for i := range units {
		out = append(out, toResponse(&units[i]))
	}
	c.JSON(http.StatusOK, gin.H{"work_units": out, "count": len(out)})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.service.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (s *Server) handleStages(c *gin.Context) {
	table, err := stages.ForKind(stages.KindProcess)
	if err != nil {
		errors.HandleInternalError(c, "failed to load stage table", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": stages.KindProcess, "stages": table})
}

// handleStatus reports process health: queue depth, gateway sessions and
// host resource usage.
func (s *Server) handleStatus(c *gin.Context) {
	counts, err := s.service.CountsByStatus(c.Request.Context())
	if err != nil {
		errors.HandleInternalError(c, "failed to aggregate work units", err)
		return
	}

	status := gin.H{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"work_units":     counts,
		"sessions":       s.gateway.SessionCount(),
		"subscriptions":  s.bus.SubscriberCount(),
		"goroutines":     runtime.NumGoroutine(),
	}

	if percents, err := cpu.PercentWithContext(c.Request.Context(), 0, false); err == nil && len(percents) > 0 {
		status["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		status["memory"] = gin.H{
			"total":        vm.Total,
			"used":         vm.Used,
			"used_percent": vm.UsedPercent,
		}
	}

	c.JSON(http.StatusOK, status)
}

// respondError renders classified errors with their HTTP status and wraps
// everything else as internal.
func respondError(c *gin.Context, err error) {
	var pe *errors.PipelineError
	if stderrors.As(err, &pe) {
		pe.ToGinResponse(c)
		return
	}
	errors.HandleInternalError(c, "unexpected failure", err)
}
