// README: Bench cases: environment, fixtures, the full trip lifecycle, races, ledger checks and load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"propmove/internal/infra"
	"propmove/internal/modules/earnings"
	"propmove/internal/modules/location"
	"propmove/internal/modules/pricing"
	"propmove/internal/types"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	benchVehicle = "bench_sedan"
	benchTenant  = "bench_tenant"
)

var (
	benchPickup  = types.Point{Lat: -15.4167, Lng: 28.2833}
	benchDropoff = types.Point{Lat: -15.3875, Lng: 28.3228}
)

type Runner struct {
	cfg     Config
	httpc   *http.Client
	db      *pgxpool.Pool
	redis   *redis.Client
	drivers []types.ID

	// state carried between sequential lifecycle cases
	tripID   string
	winner   types.ID
	idemKey  string
	cancelID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	drivers := make([]types.ID, cfg.Concurrency)
	for i := range drivers {
		drivers[i] = types.ID(fmt.Sprintf("bench_d%d", i))
	}
	return &Runner{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		drivers: drivers,
		idemKey: uuid.NewString(),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := infra.NewDB(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = infra.NewRedis(r.cfg.RedisAddr, "", 0)
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	tenant := types.Principal{ID: benchTenant, Role: types.RoleTenant}
	requestBody := map[string]any{
		"pickup":         benchPickup,
		"pickup_address": "Cairo Road",
		"dropoff":        benchDropoff,
		"vehicle_type":   benchVehicle,
	}

	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return fail("db not configured")
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return fail(err.Error())
			}
			return Result{Status: statusPass}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return fail("redis not configured")
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return fail(err.Error())
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: apply (optional)", Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration {
				return Result{Status: statusSkip, Note: "apply-migration=false"}
			}
			if r.db == nil {
				return fail("db not configured")
			}
			if err := infra.Migrate(ctx, r.db); err != nil {
				return fail(err.Error())
			}
			return Result{Status: statusPass}
		}},
		{Name: "Migration: tables exist", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return fail("db not configured")
			}
			for _, t := range []string{"transport_settings", "pricing_rules", "driver_profiles", "transport_requests",
				"transport_request_events", "pricing_audits", "driver_earnings", "transactions", "ratings"} {
				var exists bool
				err := r.db.QueryRow(ctx,
					"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
				).Scan(&exists)
				if err != nil {
					return fail(err.Error())
				}
				if !exists {
					return fail("missing table: " + t)
				}
			}
			return Result{Status: statusPass}
		}},
		{Name: "Fixtures: pricing rule and approved drivers", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return fail("db not configured")
			}
			rule := &pricing.Rule{
				VehicleType: benchVehicle, BaseFare: 20, PerKm: 8, PerMin: 1, MinimumFare: 30,
				SurgeMultiplier: 1, NightMultiplier: 1, WeatherMultiplier: 1,
			}
			if err := pricing.NewStore(r.db).SaveRule(ctx, rule); err != nil {
				return fail(err.Error())
			}
			profiles := location.NewStore(r.db)
			for _, id := range r.drivers {
				if err := profiles.Save(ctx, &location.DriverProfile{UserID: id, VehicleType: benchVehicle, Approved: true}); err != nil {
					return fail(err.Error())
				}
			}
			return Result{Status: statusPass, Note: fmt.Sprintf("rule=%d drivers=%d", rule.ID, len(r.drivers))}
		}},

		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", types.Principal{}, nil, nil, http.StatusOK)
		}},
		{Name: "API: missing identity -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/transport/estimate", types.Principal{}, requestBody, nil, http.StatusUnauthorized)
		}},

		// Driver presence
		{Name: "Location: drivers online with position", Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			for i, id := range r.drivers {
				d := driver(id)
				if res := r.expect(ctx, http.MethodPost, "/driver/online", d, map[string]any{"online": true}, nil, http.StatusOK); res.Status != statusPass {
					return res
				}
				pos := map[string]any{"lat": benchPickup.Lat + float64(i)*0.001, "lng": benchPickup.Lng}
				if res := r.expect(ctx, http.MethodPost, "/driver/location", d, pos, nil, http.StatusOK); res.Status != statusPass {
					return res
				}
			}
			return Result{Status: statusPass, Latency: time.Since(start)}
		}},
		{Name: "Location: invalid coords -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/driver/location", driver(r.drivers[0]), map[string]any{"lat": 123.0, "lng": 456.0}, nil, http.StatusBadRequest)
		}},

		// Pricing
		{Name: "Pricing: estimate", Run: func(ctx context.Context, r *Runner) Result {
			var est struct {
				Price types.Money `json:"price"`
			}
			res := r.expect(ctx, http.MethodPost, "/transport/estimate", tenant, requestBody, &est, http.StatusOK)
			if res.Status == statusPass && est.Price.Amount <= 0 {
				return fail("non-positive estimate")
			}
			res.Note = fmt.Sprintf("price=%d %s", est.Price.Amount, est.Price.Currency)
			return res
		}},
		{Name: "Pricing: unknown vehicle -> 422", Run: func(ctx context.Context, r *Runner) Result {
			body := map[string]any{"pickup": benchPickup, "dropoff": benchDropoff, "vehicle_type": "hovercraft"}
			return r.expect(ctx, http.MethodPost, "/transport/estimate", tenant, body, nil, http.StatusUnprocessableEntity)
		}},

		// Request
		{Name: "Request: missing fields -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/transport/request", tenant, map[string]any{}, nil, http.StatusBadRequest)
		}},
		{Name: "Request: driver role -> 403", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/transport/request", driver(r.drivers[0]), requestBody, nil, http.StatusForbidden)
		}},
		{Name: "Request: tenant creates trip", Run: func(ctx context.Context, r *Runner) Result {
			var t tripView
			res := r.do(ctx, http.MethodPost, "/transport/request", tenant, requestBody, r.idemKey, &t, http.StatusCreated)
			if res.Status == statusPass {
				r.tripID = t.ID
				res.Note = fmt.Sprintf("trip=%s locked=%d", t.ID, t.LockedPrice.Amount)
			}
			return res
		}},
		{Name: "Request: idempotent replay returns same trip", Run: func(ctx context.Context, r *Runner) Result {
			if r.tripID == "" {
				return Result{Status: statusSkip, Note: "no trip"}
			}
			var t tripView
			res := r.do(ctx, http.MethodPost, "/transport/request", tenant, requestBody, r.idemKey, &t, http.StatusCreated)
			if res.Status == statusPass && t.ID != r.tripID {
				return fail(fmt.Sprintf("replay created %s, want %s", t.ID, r.tripID))
			}
			return res
		}},
		{Name: "Redis: drivers notified for trip", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil || r.tripID == "" {
				return Result{Status: statusSkip, Note: "no redis or trip"}
			}
			n, err := r.redis.SCard(ctx, "dispatch:trip:"+r.tripID+":notified").Result()
			if err != nil {
				return fail(err.Error())
			}
			if n == 0 {
				return fail("no drivers notified")
			}
			return Result{Status: statusPass, Note: fmt.Sprintf("notified=%d", n)}
		}},

		// Accept race
		{Name: "Concurrency: one winner among simultaneous accepts", Run: func(ctx context.Context, r *Runner) Result {
			if r.tripID == "" {
				return Result{Status: statusSkip, Note: "no trip"}
			}
			return r.concurrentAccept(ctx)
		}},

		// Lifecycle
		{Name: "Lifecycle: arriving, in progress, completed", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: statusSkip, Note: "no assigned driver"}
			}
			start := time.Now()
			for _, to := range []string{"DRIVER_ARRIVING", "IN_PROGRESS", "COMPLETED"} {
				res := r.expect(ctx, http.MethodPost, "/driver/trips/"+r.tripID+"/status", driver(r.winner), map[string]any{"status": to}, nil, http.StatusOK)
				if res.Status != statusPass {
					res.Note = to + ": " + res.Note
					return res
				}
			}
			return Result{Status: statusPass, Latency: time.Since(start)}
		}},
		{Name: "Lifecycle: completed cannot transition -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: statusSkip, Note: "no assigned driver"}
			}
			return r.expect(ctx, http.MethodPost, "/driver/trips/"+r.tripID+"/status", driver(r.winner), map[string]any{"status": "IN_PROGRESS"}, nil, http.StatusConflict)
		}},
		{Name: "Lifecycle: tenant view carries audit trail", Run: func(ctx context.Context, r *Runner) Result {
			if r.tripID == "" {
				return Result{Status: statusSkip, Note: "no trip"}
			}
			var view struct {
				Trip   tripView          `json:"trip"`
				Events []json.RawMessage `json:"events"`
			}
			res := r.expect(ctx, http.MethodGet, "/transport/"+r.tripID, tenant, nil, &view, http.StatusOK)
			if res.Status != statusPass {
				return res
			}
			if view.Trip.Status != "COMPLETED" || view.Trip.StatusVersion != 4 || len(view.Events) != 5 {
				return fail(fmt.Sprintf("status=%s version=%d events=%d", view.Trip.Status, view.Trip.StatusVersion, len(view.Events)))
			}
			return res
		}},
		{Name: "Consistency: ledger balanced for completed trip", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil || r.winner == "" {
				return Result{Status: statusSkip, Note: "no db or completed trip"}
			}
			var gross, fee, net int64
			err := r.db.QueryRow(ctx,
				`SELECT gross_zmw, platform_fee_zmw, net_zmw FROM driver_earnings WHERE trip_id = $1`, r.tripID,
			).Scan(&gross, &fee, &net)
			if err != nil {
				return fail(err.Error())
			}
			txs, err := earnings.NewStore(r.db).ListTransactions(ctx, types.ID(r.tripID))
			if err != nil {
				return fail(err.Error())
			}
			var txSum int64
			for _, tx := range txs {
				txSum += tx.Amount
			}
			txCount := len(txs)
			if gross != fee+net || txCount != 2 || txSum != gross {
				return fail(fmt.Sprintf("gross=%d fee=%d net=%d tx=%d sum=%d", gross, fee, net, txCount, txSum))
			}
			return Result{Status: statusPass, Note: fmt.Sprintf("gross=%d fee=%d net=%d", gross, fee, net)}
		}},
		{Name: "Earnings: driver statement", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: statusSkip, Note: "no assigned driver"}
			}
			return r.expect(ctx, http.MethodGet, "/driver/earnings?limit=10", driver(r.winner), nil, nil, http.StatusOK)
		}},

		// Rating
		{Name: "Rating: tenant rates driver", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: statusSkip, Note: "no completed trip"}
			}
			return r.expect(ctx, http.MethodPost, "/transport/"+r.tripID+"/rate", tenant, map[string]any{"stars": 5, "comment": "on time"}, nil, http.StatusCreated)
		}},
		{Name: "Rating: second rating -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.winner == "" {
				return Result{Status: statusSkip, Note: "no completed trip"}
			}
			return r.expect(ctx, http.MethodPost, "/transport/"+r.tripID+"/rate", tenant, map[string]any{"stars": 4}, nil, http.StatusConflict)
		}},

		// Cancel
		{Name: "Cancel: tenant cancels requested trip", Run: func(ctx context.Context, r *Runner) Result {
			var t tripView
			res := r.do(ctx, http.MethodPost, "/transport/request", tenant, requestBody, "", &t, http.StatusCreated)
			if res.Status != statusPass {
				return res
			}
			r.cancelID = t.ID
			return r.expect(ctx, http.MethodPost, "/transport/"+t.ID+"/cancel", tenant, map[string]any{"reason": "change of plans"}, nil, http.StatusOK)
		}},
		{Name: "Cancel: accept after cancel -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.cancelID == "" {
				return Result{Status: statusSkip, Note: "no canceled trip"}
			}
			return r.expect(ctx, http.MethodPost, "/transport/"+r.cancelID+"/accept", driver(r.drivers[0]), nil, nil, http.StatusConflict)
		}},
		{Name: "Cancel: driver may not cancel -> 403", Run: func(ctx context.Context, r *Runner) Result {
			if r.cancelID == "" {
				return Result{Status: statusSkip, Note: "no canceled trip"}
			}
			return r.expect(ctx, http.MethodPost, "/transport/"+r.cancelID+"/cancel", driver(r.drivers[0]), nil, nil, http.StatusForbidden)
		}},

		// Performance
		{Name: "Perf: location update throughput", Run: func(ctx context.Context, r *Runner) Result {
			return r.perfLoad(ctx, "/driver/location", driver(r.drivers[0]), map[string]any{"lat": benchPickup.Lat, "lng": benchPickup.Lng})
		}},
		{Name: "Perf: estimate throughput", Run: func(ctx context.Context, r *Runner) Result {
			return r.perfLoad(ctx, "/transport/estimate", tenant, requestBody)
		}},
	}
}

type tripView struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	StatusVersion int         `json:"status_version"`
	LockedPrice   types.Money `json:"locked_price"`
}

func driver(id types.ID) types.Principal {
	return types.Principal{ID: id, Role: types.RoleDriver}
}

func fail(note string) Result {
	return Result{Status: statusFail, Note: note}
}

func (r *Runner) newRequest(ctx context.Context, method, path string, as types.Principal, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if as.ID != "" {
		req.Header.Set("X-User-ID", string(as.ID))
		req.Header.Set("X-User-Role", string(as.Role))
	}
	return req, nil
}

func (r *Runner) expect(ctx context.Context, method, path string, as types.Principal, body, out any, want int) Result {
	return r.do(ctx, method, path, as, body, "", out, want)
}

func (r *Runner) do(ctx context.Context, method, path string, as types.Principal, body any, idemKey string, out any, want int) Result {
	req, err := r.newRequest(ctx, method, path, as, body)
	if err != nil {
		return fail(err.Error())
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return fail(err.Error())
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d body=%s", resp.StatusCode, want, raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Result{Status: statusFail, Latency: latency, Note: "decode: " + err.Error()}
		}
	}
	return Result{Status: statusPass, Latency: latency}
}

// concurrentAccept fires one accept per driver at once; exactly one may win.
func (r *Runner) concurrentAccept(ctx context.Context) Result {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []types.ID
		conflicts int
		other     []int
	)
	startGate := make(chan struct{})
	for _, id := range r.drivers {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			req, err := r.newRequest(ctx, http.MethodPost, "/transport/"+r.tripID+"/accept", driver(id), nil)
			if err != nil {
				return
			}
			<-startGate
			resp, err := r.httpc.Do(req)
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			mu.Lock()
			defer mu.Unlock()
			switch resp.StatusCode {
			case http.StatusOK:
				winners = append(winners, id)
			case http.StatusConflict:
				conflicts++
			default:
				other = append(other, resp.StatusCode)
			}
		}(id)
	}
	close(startGate)
	wg.Wait()

	note := fmt.Sprintf("winners=%d conflicts=%d other=%v", len(winners), conflicts, other)
	if len(winners) != 1 {
		return fail(note)
	}
	r.winner = winners[0]
	return Result{Status: statusPass, Note: note}
}

func (r *Runner) perfLoad(ctx context.Context, path string, as types.Principal, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		count    int64
		errCount int64
	)

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				req, err := r.newRequest(ctx, http.MethodPost, path, as, payload)
				if err != nil {
					return
				}
				resp, err := r.httpc.Do(req)
				mu.Lock()
				if err != nil || resp.StatusCode >= 300 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
				if err == nil {
					_, _ = io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return fail(fmt.Sprintf("no requests completed, errors=%d", errCount))
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}
