// README: Dispatch service creates priced trip requests and escalates driver notifications band by band.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"propmove/internal/config"
	"propmove/internal/metrics"
	"propmove/internal/modules/location"
	"propmove/internal/modules/pricing"
	"propmove/internal/modules/realtime"
	"propmove/internal/modules/trip"
	"propmove/internal/types"
)

var (
	ErrInvalidInput     = errors.New("invalid transport request")
	ErrForbidden        = errors.New("role may not request transport")
	ErrDuplicateRequest = errors.New("duplicate request in progress")
)

const (
	pendingReservationTTL = 2 * time.Minute
	completeAttempts      = 2
)

type Pricer interface {
	Calculate(ctx context.Context, req pricing.Request) (pricing.Calculation, error)
}

type DriverPool interface {
	Candidates(ctx context.Context, vehicleType string, pickup types.Point) ([]location.Candidate, error)
}

type TripCreator interface {
	Create(ctx context.Context, t *trip.Trip, audit pricing.Audit) error
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
}

type Notifier interface {
	NotifyDrivers(driverIDs []types.ID, event string, data any)
}

// EscalationStore keeps band progress and idempotency keys outside the process.
type EscalationStore interface {
	Reserve(ctx context.Context, requester types.ID, key string, ttl time.Duration) (types.ID, bool, error)
	Complete(ctx context.Context, requester types.ID, key string, tripID types.ID, ttl time.Duration) error
	Release(ctx context.Context, requester types.ID, key string) error
	Schedule(ctx context.Context, tripID types.ID, band int, at time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
	Claim(ctx context.Context, tripID types.ID) (bool, error)
	NextBand(ctx context.Context, tripID types.ID) (int, bool, error)
	MarkNotified(ctx context.Context, tripID types.ID, driverIDs []types.ID) ([]types.ID, error)
	Forget(ctx context.Context, tripID types.ID) error
}

type Service struct {
	store    EscalationStore
	pricer   Pricer
	drivers  DriverPool
	trips    TripCreator
	notifier Notifier
	cfg      config.DispatchConfig
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

type Deps struct {
	Store    EscalationStore
	Pricer   Pricer
	Drivers  DriverPool
	Trips    TripCreator
	Notifier Notifier
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
}

func NewService(d Deps, cfg config.DispatchConfig) *Service {
	return &Service{
		store:    d.Store,
		pricer:   d.Pricer,
		drivers:  d.Drivers,
		trips:    d.Trips,
		notifier: d.Notifier,
		cfg:      cfg,
		metrics:  d.Metrics,
		log:      d.Log.WithField("module", "dispatch"),
		now:      time.Now,
	}
}

// Estimate prices a prospective trip without persisting anything.
func (s *Service) Estimate(ctx context.Context, cmd EstimateCommand) (Estimate, error) {
	if !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() || strings.TrimSpace(cmd.VehicleType) == "" {
		return Estimate{}, ErrInvalidInput
	}
	at := cmd.PickupAt
	if at.IsZero() {
		at = s.now()
	}
	distanceKm, durationMin := location.Estimate(cmd.Pickup, cmd.Dropoff)
	pickup := cmd.Pickup
	calc, err := s.pricer.Calculate(ctx, pricing.Request{
		VehicleType: cmd.VehicleType,
		DistanceKm:  distanceKm,
		DurationMin: durationMin,
		PickupAt:    at,
		BadWeather:  cmd.BadWeather,
		Pickup:      &pickup,
	})
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		DistanceKm:  distanceKm,
		DurationMin: durationMin,
		Price:       calc.FinalPrice(),
		Breakdown:   calc.Breakdown,
	}, nil
}

// CreateRequest prices and persists a REQUESTED trip, then notifies the first
// band of drivers. Notification failures are logged; the trip stands.
func (s *Service) CreateRequest(ctx context.Context, cmd CreateCommand) (*trip.Trip, error) {
	if !cmd.Requester.Role.CanRequestTransport() {
		return nil, ErrForbidden
	}
	if cmd.Requester.ID == "" {
		return nil, ErrInvalidInput
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key != "" {
		existing, reserved, err := s.store.Reserve(ctx, cmd.Requester.ID, key, s.reservationTTL())
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !reserved {
			if existing == "" {
				return nil, ErrDuplicateRequest
			}
			return s.trips.Get(ctx, existing)
		}
	}

	t, err := s.create(ctx, cmd)
	if err != nil {
		if key != "" {
			if rerr := s.store.Release(ctx, cmd.Requester.ID, key); rerr != nil {
				s.log.WithError(rerr).Warn("release idempotency key")
			}
		}
		return nil, err
	}
	if key != "" {
		s.completeKey(ctx, cmd.Requester.ID, key, t.ID)
	}

	s.startEscalation(ctx, t)
	return t, nil
}

// reservationTTL bounds how long an in-flight key blocks replays. Complete
// extends the key to IdempotencyTTL once the trip exists.
func (s *Service) reservationTTL() time.Duration {
	if s.cfg.IdempotencyTTL > 0 && s.cfg.IdempotencyTTL < pendingReservationTTL {
		return s.cfg.IdempotencyTTL
	}
	return pendingReservationTTL
}

// completeKey stores the created trip under the key, retrying once. If both
// attempts fail the pending reservation still expires after reservationTTL.
func (s *Service) completeKey(ctx context.Context, requester types.ID, key string, tripID types.ID) {
	var err error
	for attempt := 0; attempt < completeAttempts; attempt++ {
		if err = s.store.Complete(ctx, requester, key, tripID, s.cfg.IdempotencyTTL); err == nil {
			return
		}
	}
	s.log.WithError(err).WithField("trip_id", tripID).Warn("store idempotency result")
}

func (s *Service) create(ctx context.Context, cmd CreateCommand) (*trip.Trip, error) {
	if !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() || strings.TrimSpace(cmd.VehicleType) == "" {
		return nil, ErrInvalidInput
	}

	now := s.now()
	distanceKm, durationMin := location.Estimate(cmd.Pickup, cmd.Dropoff)
	pickup := cmd.Pickup
	calc, err := s.pricer.Calculate(ctx, pricing.Request{
		VehicleType: cmd.VehicleType,
		DistanceKm:  distanceKm,
		DurationMin: durationMin,
		PickupAt:    now,
		BadWeather:  cmd.BadWeather,
		Pickup:      &pickup,
	})
	if err != nil {
		return nil, err
	}

	price := calc.FinalPrice()
	t := &trip.Trip{
		ID:               types.ID(uuid.NewString()),
		TenantID:         cmd.Requester.ID,
		PropertyID:       cmd.PropertyID,
		Pickup:           cmd.Pickup,
		PickupAddress:    strings.TrimSpace(cmd.PickupAddress),
		Dropoff:          cmd.Dropoff,
		DropoffAddress:   strings.TrimSpace(cmd.DropoffAddress),
		VehicleType:      cmd.VehicleType,
		DistanceKm:       distanceKm,
		DurationMin:      durationMin,
		PriceEstimate:    price,
		LockedPrice:      price,
		PricingBreakdown: calc.Breakdown,
		PriceLockedAt:    now,
		ExpiresAt:        now.Add(s.cfg.RequestTTL),
		CreatedAt:        now,
	}
	audit := pricing.NewAudit(t.ID, calc, pricing.AuditReasonTripRequest, now)
	if err := s.trips.Create(ctx, t, audit); err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}
	return t, nil
}

// startEscalation fires the first band and schedules the rest. With no
// escalation delay every band fires now.
func (s *Service) startEscalation(ctx context.Context, t *trip.Trip) {
	if s.cfg.EscalationDelay <= 0 {
		for band := range s.cfg.BandsKm {
			s.fireBand(ctx, t, band)
		}
		return
	}
	s.fireBand(ctx, t, 0)
	if len(s.cfg.BandsKm) > 1 {
		if err := s.store.Schedule(ctx, t.ID, 1, s.now().Add(s.cfg.EscalationDelay)); err != nil {
			s.log.WithError(err).WithField("trip_id", t.ID).Error("schedule escalation")
		}
	}
}

// fireBand notifies drivers in the band that have not been notified yet and
// returns how many were notified.
func (s *Service) fireBand(ctx context.Context, t *trip.Trip, band int) int {
	log := s.log.WithFields(logrus.Fields{"trip_id": t.ID, "band": band + 1})
	candidates, err := s.drivers.Candidates(ctx, t.VehicleType, t.Pickup)
	if err != nil {
		log.WithError(err).Error("load driver candidates")
		return 0
	}
	radius := s.cfg.BandsKm[band]
	members := BandMembers(candidates, radius, s.cfg.BandCap)
	fresh, err := s.store.MarkNotified(ctx, t.ID, members)
	if err != nil {
		log.WithError(err).Error("mark drivers notified")
		return 0
	}
	if len(fresh) == 0 {
		return 0
	}
	s.notifier.NotifyDrivers(fresh, realtime.EventTransportRequest, RequestNotice{
		TripID:         t.ID,
		VehicleType:    t.VehicleType,
		Pickup:         t.Pickup,
		PickupAddress:  t.PickupAddress,
		Dropoff:        t.Dropoff,
		DropoffAddress: t.DropoffAddress,
		DistanceKm:     t.DistanceKm,
		DurationMin:    t.DurationMin,
		LockedPrice:    t.LockedPrice,
		ExpiresAt:      t.ExpiresAt,
		Band:           band + 1,
		RadiusKm:       radius,
	})
	s.metrics.AddDispatchNotifications(band+1, len(fresh))
	log.WithField("drivers", len(fresh)).Info("dispatched transport request")
	return len(fresh)
}

// Tick fires every escalation that is due. It returns the number of bands fired.
func (s *Service) Tick(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.Due(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("list due escalations: %w", err)
	}
	fired := 0
	for _, id := range due {
		claimed, err := s.store.Claim(ctx, id)
		if err != nil {
			return fired, fmt.Errorf("claim escalation: %w", err)
		}
		if !claimed {
			continue
		}
		if s.escalate(ctx, id, now) {
			fired++
		}
	}
	return fired, nil
}

func (s *Service) escalate(ctx context.Context, id types.ID, now time.Time) bool {
	log := s.log.WithField("trip_id", id)
	band, ok, err := s.store.NextBand(ctx, id)
	if err != nil {
		log.WithError(err).Error("read escalation band")
		return false
	}
	if !ok || band >= len(s.cfg.BandsKm) {
		s.forget(ctx, id)
		return false
	}

	t, err := s.trips.Get(ctx, id)
	if errors.Is(err, trip.ErrNotFound) {
		s.forget(ctx, id)
		return false
	}
	if err != nil {
		log.WithError(err).Error("load trip for escalation")
		return false
	}
	if t.Status != trip.StatusRequested || !now.Before(t.ExpiresAt) {
		s.forget(ctx, id)
		return false
	}

	s.fireBand(ctx, t, band)
	if band+1 < len(s.cfg.BandsKm) {
		if err := s.store.Schedule(ctx, id, band+1, now.Add(s.cfg.EscalationDelay)); err != nil {
			log.WithError(err).Error("schedule escalation")
		}
	} else {
		s.forget(ctx, id)
	}
	return true
}

func (s *Service) forget(ctx context.Context, id types.ID) {
	if err := s.store.Forget(ctx, id); err != nil {
		s.log.WithError(err).WithField("trip_id", id).Warn("forget escalation")
	}
}

func (s *Service) RunScheduler(ctx context.Context) {
	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 3 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.WithError(err).Error("dispatch tick")
			}
		}
	}
}
