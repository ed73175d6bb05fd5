package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bimbel-api/internal/service"
	"github.com/noah-isme/bimbel-api/pkg/response"
)

// SweepHandler triggers the time-based escalation sweeps. The endpoints are
// idempotent: a sweep already running elsewhere returns a skipped summary.
type SweepHandler struct {
	scheduler *service.SchedulerService
}

// NewSweepHandler constructs a sweep handler.
func NewSweepHandler(scheduler *service.SchedulerService) *SweepHandler {
	return &SweepHandler{scheduler: scheduler}
}

// RunDaily godoc
// @Summary Run the daily expiry sweep
// @Tags Sweeps
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Security BearerAuth
// @Router /sweeps/daily [post]
func (h *SweepHandler) RunDaily(c *gin.Context) {
	summary, err := h.scheduler.RunDailySweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// RunReminders godoc
// @Summary Run the payment reminder sweep
// @Tags Sweeps
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Security BearerAuth
// @Router /sweeps/reminders [post]
func (h *SweepHandler) RunReminders(c *gin.Context) {
	summary, err := h.scheduler.RunReminderSweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
