// README: Driver location and availability handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"propmove/internal/http/middleware"
	"propmove/internal/types"
)

type DriverLocator interface {
	UpdatePosition(ctx context.Context, driverID types.ID, pos types.Point) error
	SetOnline(ctx context.Context, driverID types.ID, online bool) error
}

type LocationHandler struct {
	location DriverLocator
}

func NewLocationHandler(svc DriverLocator) *LocationHandler {
	return &LocationHandler{location: svc}
}

type locationReq struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if !bindJSON(c, &req) {
		return
	}
	err := h.location.UpdatePosition(c.Request.Context(), types.ID(middleware.CallerUID(c)), types.Point{Lat: *req.Lat, Lng: *req.Lng})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

type onlineReq struct {
	Online *bool `json:"online" binding:"required"`
}

func (h *LocationHandler) SetOnline(c *gin.Context) {
	var req onlineReq
	if !bindJSON(c, &req) {
		return
	}
	if err := h.location.SetOnline(c.Request.Context(), types.ID(middleware.CallerUID(c)), *req.Online); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"online": *req.Online})
}
