// README: Trip service implements the state machine: accept, driver progress, cancel, completion settlement, rating.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"propmove/internal/metrics"
	"propmove/internal/modules/earnings"
	"propmove/internal/modules/location"
	"propmove/internal/modules/pricing"
	"propmove/internal/modules/rating"
	"propmove/internal/modules/realtime"
	"propmove/internal/types"
)

var (
	ErrInvalidState    = errors.New("invalid state transition")
	ErrNotFound        = errors.New("trip not found")
	ErrConflict        = errors.New("trip state conflict")
	ErrAlreadyAssigned = errors.New("trip already assigned")
	ErrExpired         = errors.New("trip request expired")
	ErrForbidden       = errors.New("forbidden")
	ErrBadRequest      = errors.New("bad request")
)

const ReasonExpired = "expired"

type DriverDirectory interface {
	Profile(ctx context.Context, driverID types.ID) (*location.DriverProfile, error)
}

type Settler interface {
	Prepare(ctx context.Context, f earnings.Facts) (earnings.Settlement, error)
}

type Rater interface {
	Submit(ctx context.Context, r rating.Rating) (rating.Aggregate, error)
}

type Notifier interface {
	SendToUser(userID types.ID, event string, data any)
}

type Service struct {
	store    Store
	drivers  DriverDirectory
	ledger   Settler
	ratings  Rater
	notifier Notifier
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

type Deps struct {
	Store    Store
	Drivers  DriverDirectory
	Ledger   Settler
	Ratings  Rater
	Notifier Notifier
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
}

func NewService(d Deps) *Service {
	return &Service{
		store:    d.Store,
		drivers:  d.Drivers,
		ledger:   d.Ledger,
		ratings:  d.Ratings,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log.WithField("module", "trip"),
		now:      time.Now,
	}
}

type AcceptCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type AdvanceCommand struct {
	TripID   types.ID
	DriverID types.ID
	To       Status
}

type CancelCommand struct {
	TripID types.ID
	Actor  types.Principal
	Reason string
}

type RateCommand struct {
	TripID   types.ID
	TenantID types.ID
	Stars    int
	Comment  string
}

// Create persists a freshly priced trip in REQUESTED together with its pricing audit.
func (s *Service) Create(ctx context.Context, t *Trip, audit pricing.Audit) error {
	if t.ID == "" || t.TenantID == "" || t.VehicleType == "" {
		return ErrBadRequest
	}
	t.Status = StatusRequested
	t.StatusVersion = 0
	if err := s.store.Create(ctx, t, audit); err != nil {
		return err
	}
	s.appendEvent(ctx, t.ID, StatusNone, StatusRequested, ActorTenant, &t.TenantID, t.CreatedAt)
	s.metrics.IncTransition(string(StatusRequested))
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return s.store.Get(ctx, id)
}

// View returns the trip when the caller may see it: participants, admins,
// and drivers while the request is still open for offers.
func (s *Service) View(ctx context.Context, id types.ID, caller types.Principal) (*Trip, []Event, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	allowed := caller.IsAdmin() || t.IsParticipant(caller.ID) ||
		(caller.IsDriver() && t.Status == StatusRequested)
	if !allowed {
		return nil, nil, ErrForbidden
	}
	events, err := s.store.Events(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load trip events: %w", err)
	}
	return t, events, nil
}

// Accept assigns the calling driver. Exactly one of any number of concurrent
// callers wins; the rest get ErrAlreadyAssigned (or ErrExpired / ErrInvalidState).
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Trip, error) {
	t, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	profile, err := s.drivers.Profile(ctx, cmd.DriverID)
	if errors.Is(err, location.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if !profile.Approved || profile.VehicleType != t.VehicleType {
		return nil, ErrForbidden
	}

	now := s.now()
	if err := openForAccept(t, now); err != nil {
		return nil, err
	}
	ok, err := s.store.AssignDriver(ctx, t.ID, cmd.DriverID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race or the trip changed underneath; report why.
		current, err := s.store.Get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if err := openForAccept(current, now); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}

	driverID := cmd.DriverID
	t.Status = StatusDriverAssigned
	t.StatusVersion++
	t.AssignedDriverID = &driverID
	t.AcceptedAt = &now

	s.appendEvent(ctx, t.ID, StatusRequested, StatusDriverAssigned, ActorDriver, &driverID, now)
	s.metrics.IncTransition(string(StatusDriverAssigned))
	notice := AssignedNotice{
		TripID:      t.ID,
		TenantID:    t.TenantID,
		DriverID:    driverID,
		Status:      t.Status,
		VehicleType: t.VehicleType,
		LockedPrice: t.LockedPrice,
		Pickup:      t.Pickup,
		Dropoff:     t.Dropoff,
	}
	s.notify(t.TenantID, realtime.EventDriverAssigned, notice)
	s.notify(driverID, realtime.EventDriverAssigned, notice)
	return t, nil
}

func openForAccept(t *Trip, now time.Time) error {
	switch {
	case t.AssignedDriverID != nil:
		return ErrAlreadyAssigned
	case t.Status != StatusRequested:
		return ErrInvalidState
	case !now.Before(t.ExpiresAt):
		return ErrExpired
	}
	return nil
}

// Advance applies a driver-reported step. Completion settles earnings in the
// same transaction as the status change.
func (s *Service) Advance(ctx context.Context, cmd AdvanceCommand) (*Trip, error) {
	if !driverSteps[cmd.To] {
		return nil, ErrBadRequest
	}
	t, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if !t.AssignedTo(cmd.DriverID) {
		return nil, ErrForbidden
	}
	if !CanTransition(t.Status, cmd.To) {
		return nil, ErrInvalidState
	}

	now := s.now()
	from := t.Status
	var ok bool
	if cmd.To == StatusCompleted {
		settlement, err := s.ledger.Prepare(ctx, earnings.Facts{
			TripID:      t.ID,
			TenantID:    t.TenantID,
			DriverID:    cmd.DriverID,
			LockedPrice: t.LockedPrice.Amount,
			CompletedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("prepare settlement: %w", err)
		}
		ok, err = s.store.CompleteAndSettle(ctx, t.ID, t.StatusVersion, now, settlement)
		if err != nil {
			return nil, fmt.Errorf("complete and settle: %w", err)
		}
	} else {
		ok, err = s.store.Transition(ctx, t.ID, from, cmd.To, t.StatusVersion, now, nil)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, ErrConflict
	}

	t.Status = cmd.To
	t.StatusVersion++
	stamp(t, cmd.To, now)

	driverID := cmd.DriverID
	s.appendEvent(ctx, t.ID, from, cmd.To, ActorDriver, &driverID, now)
	s.metrics.IncTransition(string(cmd.To))
	notice := StatusNotice{TripID: t.ID, Status: t.Status, DriverID: &driverID, At: now}
	s.notify(t.TenantID, realtime.EventTripStatus, notice)
	s.notify(driverID, realtime.EventTripStatus, notice)
	return t, nil
}

// Cancel is open to the trip's tenant and to admins while the trip is not terminal.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Trip, error) {
	t, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	actorType := ActorTenant
	switch {
	case cmd.Actor.IsAdmin():
		actorType = ActorAdmin
	case cmd.Actor.ID == t.TenantID:
	default:
		return nil, ErrForbidden
	}
	if IsTerminal(t.Status) || !CanTransition(t.Status, StatusCanceled) {
		return nil, ErrInvalidState
	}

	now := s.now()
	var reason *string
	if cmd.Reason != "" {
		reason = &cmd.Reason
	}
	from := t.Status
	ok, err := s.store.Transition(ctx, t.ID, from, StatusCanceled, t.StatusVersion, now, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	t.Status = StatusCanceled
	t.StatusVersion++
	t.CanceledAt = &now
	t.CancelReason = reason

	actorID := cmd.Actor.ID
	s.appendEvent(ctx, t.ID, from, StatusCanceled, actorType, &actorID, now)
	s.metrics.IncTransition(string(StatusCanceled))
	s.notifyCanceled(t, cmd.Reason, actorType, now)
	return t, nil
}

// Rate records the tenant's rating of the assigned driver, once per trip.
func (s *Service) Rate(ctx context.Context, cmd RateCommand) (rating.Aggregate, error) {
	if cmd.Stars < 1 || cmd.Stars > 5 {
		return rating.Aggregate{}, rating.ErrInvalidStars
	}
	t, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return rating.Aggregate{}, err
	}
	if t.TenantID != cmd.TenantID {
		return rating.Aggregate{}, ErrForbidden
	}
	if t.AssignedDriverID == nil || t.Status == StatusCanceled {
		return rating.Aggregate{}, ErrInvalidState
	}
	return s.ratings.Submit(ctx, rating.Rating{
		TripID:   t.ID,
		TenantID: t.TenantID,
		DriverID: *t.AssignedDriverID,
		Stars:    cmd.Stars,
		Comment:  cmd.Comment,
	})
}

// ExpireStale cancels open requests past their acceptance window and tells
// their tenants. It returns how many trips expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ExpireStale(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	for _, t := range expired {
		s.appendEvent(ctx, t.ID, StatusRequested, StatusCanceled, ActorSystem, nil, now)
		s.metrics.IncTransition(string(StatusCanceled))
		s.notifyCanceled(t, ReasonExpired, ActorSystem, now)
	}
	return len(expired), nil
}

func (s *Service) RunExpirySweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireStale(ctx)
			if err != nil {
				s.log.WithError(err).Error("expire stale trips")
				continue
			}
			if n > 0 {
				s.log.WithField("count", n).Info("expired stale trip requests")
			}
		}
	}
}

// ActiveTripForDriver lets the location module forward positions to the tenant.
func (s *Service) ActiveTripForDriver(ctx context.Context, driverID types.ID) (location.ActiveTrip, bool, error) {
	return ActiveTripFinder{Store: s.store}.ActiveTripForDriver(ctx, driverID)
}

// ActiveTripFinder adapts a Store to location.ActiveTripFinder.
type ActiveTripFinder struct {
	Store Store
}

func (f ActiveTripFinder) ActiveTripForDriver(ctx context.Context, driverID types.ID) (location.ActiveTrip, bool, error) {
	t, err := f.Store.ActiveForDriver(ctx, driverID)
	if errors.Is(err, ErrNotFound) {
		return location.ActiveTrip{}, false, nil
	}
	if err != nil {
		return location.ActiveTrip{}, false, err
	}
	return location.ActiveTrip{TripID: t.ID, TenantID: t.TenantID}, true, nil
}

func (s *Service) notifyCanceled(t *Trip, reason, by string, at time.Time) {
	notice := CanceledNotice{TripID: t.ID, Reason: reason, CanceledBy: by, At: at}
	s.notify(t.TenantID, realtime.EventTransportCanceled, notice)
	if t.AssignedDriverID != nil {
		s.notify(*t.AssignedDriverID, realtime.EventTransportCanceled, notice)
	}
}

func (s *Service) notify(userID types.ID, event string, data any) {
	if s.notifier == nil {
		return
	}
	s.notifier.SendToUser(userID, event, data)
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID, at time.Time) {
	err := s.store.AppendEvent(ctx, &Event{
		TripID:     id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  at,
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"trip_id": id, "to": to}).Warn("append trip event")
	}
}

func stamp(t *Trip, to Status, at time.Time) {
	switch to {
	case StatusDriverArriving:
		t.ArrivingAt = &at
	case StatusInProgress:
		t.StartedAt = &at
	case StatusCompleted:
		t.CompletedAt = &at
	}
}
