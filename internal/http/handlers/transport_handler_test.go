// README: Handler tests: role guards, request decoding and error mapping.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmove/internal/http/handlers"
	"propmove/internal/http/middleware"
	"propmove/internal/modules/dispatch"
	"propmove/internal/modules/earnings"
	"propmove/internal/modules/pricing"
	"propmove/internal/modules/rating"
	"propmove/internal/modules/realtime"
	"propmove/internal/modules/trip"
	"propmove/internal/types"
)

type stubDispatch struct {
	last dispatch.CreateCommand
	err  error
}

func (s *stubDispatch) Estimate(_ context.Context, cmd dispatch.EstimateCommand) (dispatch.Estimate, error) {
	if s.err != nil {
		return dispatch.Estimate{}, s.err
	}
	return dispatch.Estimate{DistanceKm: 5, DurationMin: 8, Price: types.ZMW(90)}, nil
}

func (s *stubDispatch) CreateRequest(_ context.Context, cmd dispatch.CreateCommand) (*trip.Trip, error) {
	s.last = cmd
	if s.err != nil {
		return nil, s.err
	}
	return &trip.Trip{ID: "trip-1", TenantID: cmd.Requester.ID, Status: trip.StatusRequested, LockedPrice: types.ZMW(90)}, nil
}

type stubTrips struct {
	err     error
	advance trip.AdvanceCommand
	cancel  trip.CancelCommand
}

func (s *stubTrips) View(_ context.Context, id types.ID, _ types.Principal) (*trip.Trip, []trip.Event, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return &trip.Trip{ID: id, Status: trip.StatusRequested}, nil, nil
}

func (s *stubTrips) Accept(_ context.Context, cmd trip.AcceptCommand) (*trip.Trip, error) {
	if s.err != nil {
		return nil, s.err
	}
	d := cmd.DriverID
	return &trip.Trip{ID: cmd.TripID, Status: trip.StatusDriverAssigned, AssignedDriverID: &d}, nil
}

func (s *stubTrips) Advance(_ context.Context, cmd trip.AdvanceCommand) (*trip.Trip, error) {
	s.advance = cmd
	if s.err != nil {
		return nil, s.err
	}
	return &trip.Trip{ID: cmd.TripID, Status: cmd.To}, nil
}

func (s *stubTrips) Cancel(_ context.Context, cmd trip.CancelCommand) (*trip.Trip, error) {
	s.cancel = cmd
	if s.err != nil {
		return nil, s.err
	}
	return &trip.Trip{ID: cmd.TripID, Status: trip.StatusCanceled}, nil
}

func (s *stubTrips) Rate(_ context.Context, cmd trip.RateCommand) (rating.Aggregate, error) {
	if s.err != nil {
		return rating.Aggregate{}, s.err
	}
	return rating.Aggregate{DriverID: "d1", Avg: float64(cmd.Stars), Count: 1}, nil
}

type stubEarnings []earnings.DriverEarning

func (s stubEarnings) ListByDriver(context.Context, types.ID, int) ([]earnings.DriverEarning, error) {
	return s, nil
}

type stubAudits map[types.ID][]pricing.Audit

func (s stubAudits) ListAudits(_ context.Context, id types.ID) ([]pricing.Audit, error) {
	return s[id], nil
}

type env struct {
	router   *gin.Engine
	dispatch *stubDispatch
	trips    *stubTrips
	hub      *realtime.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()
	e := &env{
		dispatch: &stubDispatch{},
		trips:    &stubTrips{},
		hub:      realtime.NewHub(nil, logger, nil),
	}

	transport := handlers.NewTransportHandler(e.dispatch, e.trips)
	driver := handlers.NewDriverHandler(e.trips, stubEarnings{
		{TripID: "t1", Gross: 100, PlatformFee: 15, Net: 85},
		{TripID: "t2", Gross: 200, PlatformFee: 30, Net: 170},
	})
	admin := handlers.NewAdminHandler(stubAudits{"trip-1": {{TripID: "trip-1", FinalPrice: 90}}}, e.hub)
	rt := handlers.NewRealtimeHandler(e.hub, 50*time.Millisecond, 8, logger)

	r := gin.New()
	api := r.Group("/", middleware.Auth())
	requesters := middleware.RequireRole(types.RoleTenant, types.RoleLandlord, types.RoleAgent)
	drivers := middleware.RequireRole(types.RoleDriver)
	admins := middleware.RequireRole(types.RoleAdmin)
	api.POST("/transport/estimate", transport.Estimate)
	api.POST("/transport/request", requesters, transport.Request)
	api.GET("/transport/:id", transport.Get)
	api.POST("/transport/:id/accept", drivers, driver.Accept)
	api.POST("/transport/:id/cancel", transport.Cancel)
	api.POST("/transport/:id/rate", requesters, transport.Rate)
	api.POST("/driver/trips/:id/status", drivers, driver.UpdateStatus)
	api.GET("/driver/earnings", drivers, driver.Earnings)
	api.GET("/admin/transport/:id/pricing-audit", admins, admin.PricingAudit)
	api.POST("/internal/realtime/publish", admins, admin.Publish)
	api.GET("/realtime/stream", rt.Stream)
	api.GET("/realtime/ws", rt.WebSocket)
	e.router = r
	return e
}

func (e *env) do(method, path string, body any, uid string, role types.Role, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, uid)
	req.Header.Set(middleware.HeaderUserRole, string(role))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

var validRequest = map[string]any{
	"pickup":       map[string]float64{"lat": -15.3875, "lng": 28.3228},
	"dropoff":      map[string]float64{"lat": -15.4167, "lng": 28.2833},
	"vehicle_type": "sedan",
	"property_id":  "prop-9",
}

func TestRequest_TenantCreatesTrip(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/transport/request", validRequest, "tenant1", types.RoleTenant, handlers.HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var got trip.Trip
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, types.ID("trip-1"), got.ID)
	assert.Equal(t, "key-1", e.dispatch.last.IdempotencyKey)
	assert.Equal(t, types.ID("tenant1"), e.dispatch.last.Requester.ID)
	require.NotNil(t, e.dispatch.last.PropertyID)
	assert.Equal(t, types.ID("prop-9"), *e.dispatch.last.PropertyID)
}

func TestRequest_DriverForbidden(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/transport/request", validRequest, "d1", types.RoleDriver)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequest_MissingCoordinates(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/transport/request", map[string]any{"vehicle_type": "sedan"}, "tenant1", types.RoleTenant)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{pricing.ErrNoPricingRule, http.StatusUnprocessableEntity},
		{fmt.Errorf("create trip: %w", dispatch.ErrInvalidInput), http.StatusBadRequest},
		{dispatch.ErrDuplicateRequest, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := newEnv(t)
		e.dispatch.err = tc.err
		w := e.do(http.MethodPost, "/transport/request", validRequest, "tenant1", types.RoleTenant)
		assert.Equal(t, tc.want, w.Code, "error %v", tc.err)
	}

	tripCases := []struct {
		err  error
		want int
	}{
		{trip.ErrAlreadyAssigned, http.StatusConflict},
		{trip.ErrExpired, http.StatusConflict},
		{trip.ErrForbidden, http.StatusForbidden},
		{trip.ErrNotFound, http.StatusNotFound},
	}
	for _, tc := range tripCases {
		e := newEnv(t)
		e.trips.err = tc.err
		w := e.do(http.MethodPost, "/transport/trip-1/accept", nil, "d1", types.RoleDriver)
		assert.Equal(t, tc.want, w.Code, "error %v", tc.err)
	}
}

func TestAccept_RequiresDriverRole(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/transport/trip-1/accept", nil, "tenant1", types.RoleTenant)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/transport/trip-1/accept", nil, "d1", types.RoleDriver)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpdateStatus_UsesCaller(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/driver/trips/trip-1/status", map[string]string{"status": "DRIVER_ARRIVING"}, "d7", types.RoleDriver)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.ID("d7"), e.trips.advance.DriverID)
	assert.Equal(t, trip.StatusDriverArriving, e.trips.advance.To)
}

func TestCancel_OptionalBody(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/transport/trip-1/cancel", nil, "tenant1", types.RoleTenant)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, e.trips.cancel.Reason)

	w = e.do(http.MethodPost, "/transport/trip-1/cancel", map[string]string{"reason": " no longer needed "}, "tenant1", types.RoleTenant)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no longer needed", e.trips.cancel.Reason)
}

func TestInvalidPathID(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/transport/bad$id", nil, "tenant1", types.RoleTenant)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEarnings_Totals(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/driver/earnings", nil, "d1", types.RoleDriver)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Totals map[string]int64 `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(300), body.Totals["gross_zmw"])
	assert.Equal(t, int64(45), body.Totals["platform_fee_zmw"])
	assert.Equal(t, int64(255), body.Totals["net_zmw"])

	limits := map[string]int{
		"0":   http.StatusBadRequest,
		"abc": http.StatusBadRequest,
		"200": http.StatusOK,
		"201": http.StatusBadRequest,
		"300": http.StatusBadRequest,
	}
	for limit, want := range limits {
		w = e.do(http.MethodGet, "/driver/earnings?limit="+limit, nil, "d1", types.RoleDriver)
		assert.Equal(t, want, w.Code, "limit=%s", limit)
	}
}

func TestPricingAudit_AdminOnly(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/admin/transport/trip-1/pricing-audit", nil, "tenant1", types.RoleTenant).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/admin/transport/trip-1/pricing-audit", nil, "ops", types.RoleAdmin).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/admin/transport/trip-2/pricing-audit", nil, "ops", types.RoleAdmin).Code)
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	e := newEnv(t)
	sink := realtime.NewChanSink(4)
	sub := e.hub.Subscribe("tenant1", types.RoleTenant, sink)
	defer sub.Close()

	w := e.do(http.MethodPost, "/internal/realtime/publish", map[string]any{
		"event":   realtime.EventBookingConfirmed,
		"user_id": "tenant1",
		"data":    map[string]string{"booking_id": "b1"},
	}, "ops", types.RoleAdmin)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case ev := <-sink.Events():
		assert.Equal(t, realtime.EventBookingConfirmed, ev.Name)
		assert.JSONEq(t, `{"booking_id":"b1"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	w = e.do(http.MethodPost, "/internal/realtime/publish", map[string]any{"event": "x"}, "ops", types.RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
