// README: Transport handlers: estimate, request, view, cancel, rate.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"propmove/internal/http/middleware"
	"propmove/internal/modules/dispatch"
	"propmove/internal/modules/rating"
	"propmove/internal/modules/trip"
	"propmove/internal/types"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type Dispatcher interface {
	Estimate(ctx context.Context, cmd dispatch.EstimateCommand) (dispatch.Estimate, error)
	CreateRequest(ctx context.Context, cmd dispatch.CreateCommand) (*trip.Trip, error)
}

type TripService interface {
	View(ctx context.Context, id types.ID, caller types.Principal) (*trip.Trip, []trip.Event, error)
	Accept(ctx context.Context, cmd trip.AcceptCommand) (*trip.Trip, error)
	Advance(ctx context.Context, cmd trip.AdvanceCommand) (*trip.Trip, error)
	Cancel(ctx context.Context, cmd trip.CancelCommand) (*trip.Trip, error)
	Rate(ctx context.Context, cmd trip.RateCommand) (rating.Aggregate, error)
}

type TransportHandler struct {
	dispatch Dispatcher
	trips    TripService
}

func NewTransportHandler(d Dispatcher, trips TripService) *TransportHandler {
	return &TransportHandler{dispatch: d, trips: trips}
}

type estimateReq struct {
	Pickup      *types.Point `json:"pickup" binding:"required"`
	Dropoff     *types.Point `json:"dropoff" binding:"required"`
	VehicleType string       `json:"vehicle_type" binding:"required"`
	PickupAt    *time.Time   `json:"pickup_at"`
	BadWeather  bool         `json:"bad_weather"`
}

func (h *TransportHandler) Estimate(c *gin.Context) {
	var req estimateReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := dispatch.EstimateCommand{
		Pickup:      *req.Pickup,
		Dropoff:     *req.Dropoff,
		VehicleType: req.VehicleType,
		BadWeather:  req.BadWeather,
	}
	if req.PickupAt != nil {
		cmd.PickupAt = *req.PickupAt
	}
	est, err := h.dispatch.Estimate(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, est)
}

type createReq struct {
	PropertyID     string       `json:"property_id"`
	Pickup         *types.Point `json:"pickup" binding:"required"`
	PickupAddress  string       `json:"pickup_address"`
	Dropoff        *types.Point `json:"dropoff" binding:"required"`
	DropoffAddress string       `json:"dropoff_address"`
	VehicleType    string       `json:"vehicle_type" binding:"required"`
	BadWeather     bool         `json:"bad_weather"`
}

func (h *TransportHandler) Request(c *gin.Context) {
	var req createReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := dispatch.CreateCommand{
		Requester:      middleware.Caller(c),
		Pickup:         *req.Pickup,
		PickupAddress:  req.PickupAddress,
		Dropoff:        *req.Dropoff,
		DropoffAddress: req.DropoffAddress,
		VehicleType:    req.VehicleType,
		BadWeather:     req.BadWeather,
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
	}
	if pid := strings.TrimSpace(req.PropertyID); pid != "" {
		id := types.ID(pid)
		cmd.PropertyID = &id
	}
	t, err := h.dispatch.CreateRequest(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, t)
}

func (h *TransportHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, events, err := h.trips.View(c.Request.Context(), types.ID(id), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip": t, "events": events})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *TransportHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength != 0 {
		if !bindJSON(c, &req) {
			return
		}
	}
	t, err := h.trips.Cancel(c.Request.Context(), trip.CancelCommand{
		TripID: types.ID(id),
		Actor:  middleware.Caller(c),
		Reason: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

type rateReq struct {
	Stars   int    `json:"stars" binding:"required"`
	Comment string `json:"comment"`
}

func (h *TransportHandler) Rate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req rateReq
	if !bindJSON(c, &req) {
		return
	}
	agg, err := h.trips.Rate(c.Request.Context(), trip.RateCommand{
		TripID:   types.ID(id),
		TenantID: types.ID(middleware.CallerUID(c)),
		Stars:    req.Stars,
		Comment:  req.Comment,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, agg)
}
