// README: Driver location service: position reports, availability and candidate search.
package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"propmove/internal/modules/realtime"
	"propmove/internal/types"
)

var (
	ErrNotFound     = errors.New("driver profile not found")
	ErrNotApproved  = errors.New("driver not approved")
	ErrInvalidInput = errors.New("invalid location")
)

// ProfileStore is the persistence surface the service needs.
type ProfileStore interface {
	Get(ctx context.Context, driverID types.ID) (*DriverProfile, error)
	UpdatePosition(ctx context.Context, driverID types.ID, pos types.Point, at time.Time) (bool, error)
	SetOnline(ctx context.Context, driverID types.ID, online bool) (bool, error)
	ListAvailable(ctx context.Context, vehicleType string) ([]DriverProfile, error)
}

// ActiveTripFinder resolves the trip a driver is currently serving.
type ActiveTripFinder interface {
	ActiveTripForDriver(ctx context.Context, driverID types.ID) (ActiveTrip, bool, error)
}

type Notifier interface {
	SendToUser(userID types.ID, event string, data any)
}

type Service struct {
	store    ProfileStore
	trips    ActiveTripFinder
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(store ProfileStore, trips ActiveTripFinder, notifier Notifier, log logrus.FieldLogger) *Service {
	return &Service{
		store:    store,
		trips:    trips,
		notifier: notifier,
		log:      log.WithField("module", "location"),
		now:      time.Now,
	}
}

func (s *Service) Profile(ctx context.Context, driverID types.ID) (*DriverProfile, error) {
	return s.store.Get(ctx, driverID)
}

// UpdatePosition records the driver's last reported position and forwards it
// to the tenant of the driver's active trip, if any.
func (s *Service) UpdatePosition(ctx context.Context, driverID types.ID, pos types.Point) error {
	if !pos.Valid() {
		return ErrInvalidInput
	}
	at := s.now()
	ok, err := s.store.UpdatePosition(ctx, driverID, pos, at)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	if s.trips == nil || s.notifier == nil {
		return nil
	}
	active, found, err := s.trips.ActiveTripForDriver(ctx, driverID)
	if err != nil {
		s.log.WithError(err).WithField("driver_id", driverID).Warn("active trip lookup failed")
		return nil
	}
	if found {
		s.notifier.SendToUser(active.TenantID, realtime.EventDriverLocation, LocationUpdate{
			TripID:   active.TripID,
			DriverID: driverID,
			Lat:      pos.Lat,
			Lng:      pos.Lng,
			At:       at,
		})
	}
	return nil
}

func (s *Service) SetOnline(ctx context.Context, driverID types.ID, online bool) error {
	ok, err := s.store.SetOnline(ctx, driverID, online)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	if ok {
		return nil
	}
	if _, err := s.store.Get(ctx, driverID); err != nil {
		return err
	}
	return ErrNotApproved
}

// Candidates lists approved, online drivers of vehicleType ordered by
// distance to pickup. Drivers without a known position sort last at +Inf.
func (s *Service) Candidates(ctx context.Context, vehicleType string, pickup types.Point) ([]Candidate, error) {
	profiles, err := s.store.ListAvailable(ctx, vehicleType)
	if err != nil {
		return nil, fmt.Errorf("list available drivers: %w", err)
	}
	out := make([]Candidate, 0, len(profiles))
	for _, p := range profiles {
		d := math.Inf(1)
		if p.Position != nil {
			d = DistanceKm(pickup, *p.Position)
		}
		out = append(out, Candidate{DriverID: p.UserID, DistanceKm: d})
	}
	sortByDistance(out, func(c Candidate) float64 { return c.DistanceKm })
	return out, nil
}
