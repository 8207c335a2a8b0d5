package recognition

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/errors"
)

// Receiver is the HTTP surface of the standalone callback process. It only
// persists delivered results; waking parked work units is the poller's job,
// so the receiver stays stateless and trivially restartable.
type Receiver struct {
	store  *CorrelationStore
	logger hclog.Logger
}

// NewReceiver builds the callback receiver.
func NewReceiver(store *CorrelationStore, logger hclog.Logger) *Receiver {
	return &Receiver{
		store:  store,
		logger: logger.Named("callback-receiver"),
	}
}

// RegisterRoutes mounts the callback endpoint and a health probe.
func (r *Receiver) RegisterRoutes(router *gin.Engine) {
	router.POST("/callbacks/recognition", r.handleCallback)
	router.GET("/health", r.handleHealth)
}

func (r *Receiver) handleCallback(c *gin.Context) {
	var payload CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		errors.HandleValidationError(c, "malformed callback payload", "body")
		return
	}
	if payload.CorrelationID == "" {
		errors.HandleValidationError(c, "correlation_id is required", "correlation_id")
		return
	}
	switch payload.Status {
	case "ok", "error":
	default:
		errors.HandleValidationError(c, "status must be ok or error", "status")
		return
	}

	err := r.store.Deliver(c.Request.Context(), payload.CorrelationID, payload)
	switch {
	case err == nil:
		r.logger.Info("recognition callback delivered",
			"correlation_id", payload.CorrelationID, "status", payload.Status)
		c.JSON(http.StatusOK, gin.H{"success": true})
	case stderrors.Is(err, ErrCorrelationNotFound):
		r.logger.Warn("callback for unknown correlation", "correlation_id", payload.CorrelationID)
		errors.HandleNotFound(c, "correlation", payload.CorrelationID)
	case stderrors.Is(err, ErrCorrelationExpired):
		r.logger.Warn("callback after correlation expiry", "correlation_id", payload.CorrelationID)
		c.JSON(http.StatusGone, gin.H{
			"error": "correlation expired",
			"code":  "CALLBACK_TIMEOUT",
		})
	default:
		r.logger.Error("failed to persist callback", "correlation_id", payload.CorrelationID, "error", err)
		errors.HandleInternalError(c, "failed to persist callback", err)
	}
}

func (r *Receiver) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
