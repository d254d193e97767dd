// README: Driver handlers: accept, trip progress and earnings.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"propmove/internal/http/middleware"
	"propmove/internal/modules/earnings"
	"propmove/internal/modules/trip"
	"propmove/internal/types"
)

type EarningsReader interface {
	ListByDriver(ctx context.Context, driverID types.ID, limit int) ([]earnings.DriverEarning, error)
}

type DriverHandler struct {
	trips    TripService
	earnings EarningsReader
}

func NewDriverHandler(trips TripService, earnings EarningsReader) *DriverHandler {
	return &DriverHandler{trips: trips, earnings: earnings}
}

func (h *DriverHandler) Accept(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.trips.Accept(c.Request.Context(), trip.AcceptCommand{
		TripID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *DriverHandler) UpdateStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req statusReq
	if !bindJSON(c, &req) {
		return
	}
	t, err := h.trips.Advance(c.Request.Context(), trip.AdvanceCommand{
		TripID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
		To:       trip.Status(req.Status),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *DriverHandler) Earnings(c *gin.Context) {
	limit := earnings.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > earnings.MaxListLimit {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.earnings.ListByDriver(c.Request.Context(), types.ID(middleware.CallerUID(c)), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	var gross, fee, net int64
	for _, e := range list {
		gross += e.Gross
		fee += e.PlatformFee
		net += e.Net
	}
	writeJSON(c, http.StatusOK, gin.H{
		"earnings": list,
		"totals": gin.H{
			"gross_zmw":        gross,
			"platform_fee_zmw": fee,
			"net_zmw":          net,
		},
	})
}
