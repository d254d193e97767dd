// README: Concurrency tests for trip transitions against PostgreSQL (run with -race).
package trip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmove/internal/infra"
	"propmove/internal/modules/earnings"
	"propmove/internal/modules/location"
	"propmove/internal/modules/pricing"
	"propmove/internal/modules/rating"
	"propmove/internal/types"
)

func setupTestStore(t *testing.T) (*PGStore, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("PROPMOVE_TEST_DSN")
	if dsn == "" {
		t.Skip("PROPMOVE_TEST_DSN not set; skipping DB-backed race tests")
	}

	ctx := context.Background()
	db, err := infra.NewDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, infra.Migrate(ctx, db))
	return NewStore(db), db
}

func newDBService(t *testing.T, db *pgxpool.Pool, store *PGStore) *Service {
	t.Helper()
	logger, _ := test.NewNullLogger()
	profiles := location.NewStore(db)
	return NewService(Deps{
		Store:   store,
		Drivers: location.NewService(profiles, ActiveTripFinder{Store: store}, nil, logger),
		Ledger:  earnings.NewLedger(pricing.NewStore(db)),
		Ratings: rating.NewService(rating.NewStore(db)),
		Log:     logger,
	})
}

func seedDrivers(t *testing.T, db *pgxpool.Pool, n int) []types.ID {
	t.Helper()
	ids := make([]types.ID, n)
	for i := range ids {
		ids[i] = types.ID(fmt.Sprintf("d_race_%s", uuid.NewString()))
		_, err := db.Exec(context.Background(), `
			INSERT INTO driver_profiles (user_id, vehicle_type, is_approved, is_online)
			VALUES ($1, 'sedan', TRUE, TRUE)`, string(ids[i]))
		require.NoError(t, err)
	}
	return ids
}

func createTrip(t *testing.T, svc *Service) *Trip {
	t.Helper()
	now := time.Now().UTC()
	tr := &Trip{
		ID:            types.ID(uuid.NewString()),
		TenantID:      "tenant_race",
		Pickup:        types.Point{Lat: -15.3875, Lng: 28.3228},
		Dropoff:       types.Point{Lat: -15.4167, Lng: 28.2833},
		VehicleType:   "sedan",
		DistanceKm:    5,
		DurationMin:   8,
		PriceEstimate: types.ZMW(120),
		LockedPrice:   types.ZMW(120),
		PriceLockedAt: now,
		ExpiresAt:     now.Add(10 * time.Minute),
		CreatedAt:     now,
	}
	audit := pricing.Audit{ID: types.ID(uuid.NewString()), TripID: tr.ID, FinalPrice: 120, RawPrice: 120, Reason: pricing.AuditReasonTripRequest, CreatedAt: now}
	require.NoError(t, svc.Create(context.Background(), tr, audit))
	return tr
}

func TestPGStore_ConcurrentAcceptSameTrip(t *testing.T) {
	store, db := setupTestStore(t)
	svc := newDBService(t, db, store)
	ctx := context.Background()

	drivers := seedDrivers(t, db, 8)
	tr := createTrip(t, svc)

	var wg sync.WaitGroup
	errs := make(chan error, len(drivers))
	for _, id := range drivers {
		wg.Add(1)
		go func(did types.ID) {
			defer wg.Done()
			_, err := svc.Accept(ctx, AcceptCommand{TripID: tr.ID, DriverID: did})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyAssigned)
	}
	require.Equal(t, 1, success)

	got, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDriverAssigned, got.Status)
	assert.Equal(t, 1, got.StatusVersion)
	require.NotNil(t, got.AssignedDriverID)
}

func TestPGStore_AcceptVsCancel(t *testing.T) {
	store, db := setupTestStore(t)
	svc := newDBService(t, db, store)
	ctx := context.Background()

	drivers := seedDrivers(t, db, 1)
	tr := createTrip(t, svc)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Accept(ctx, AcceptCommand{TripID: tr.ID, DriverID: drivers[0]})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := svc.Cancel(ctx, CancelCommand{TripID: tr.ID, Actor: types.Principal{ID: tr.TenantID, Role: types.RoleTenant}})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.GreaterOrEqual(t, success, 1)

	got, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	if success == 2 {
		assert.Equal(t, StatusCanceled, got.Status)
	}
}

func TestPGStore_CompleteWritesBalancedLedger(t *testing.T) {
	store, db := setupTestStore(t)
	svc := newDBService(t, db, store)
	ctx := context.Background()

	drivers := seedDrivers(t, db, 1)
	tr := createTrip(t, svc)
	_, err := svc.Accept(ctx, AcceptCommand{TripID: tr.ID, DriverID: drivers[0]})
	require.NoError(t, err)
	for _, to := range []Status{StatusDriverArriving, StatusInProgress, StatusCompleted} {
		_, err := svc.Advance(ctx, AdvanceCommand{TripID: tr.ID, DriverID: drivers[0], To: to})
		require.NoError(t, err)
	}

	var gross, fee, net int64
	require.NoError(t, db.QueryRow(ctx, `
		SELECT gross_zmw, platform_fee_zmw, net_zmw FROM driver_earnings WHERE trip_id = $1`,
		string(tr.ID)).Scan(&gross, &fee, &net))
	assert.Equal(t, int64(120), gross)
	assert.Equal(t, gross, fee+net)

	var txSum int64
	require.NoError(t, db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE reference_id = $1`,
		string(tr.ID)).Scan(&txSum))
	assert.Equal(t, gross, txSum)

	events, err := store.Events(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}
