package pricing

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/mmcloughlin/geohash"

	"propmove/internal/types"
)

type mockRuleStore struct {
	rules    map[string]*Rule
	settings Settings
	supply   []types.Point
	demand   []types.Point
}

func (m *mockRuleStore) ActiveRule(_ context.Context, vehicleType string) (*Rule, error) {
	r, ok := m.rules[vehicleType]
	if !ok || !r.Active {
		return nil, ErrNoPricingRule
	}
	return r, nil
}

func (m *mockRuleStore) Settings(context.Context) (Settings, error) { return m.settings, nil }

func (m *mockRuleStore) SupplyPositions(_ context.Context, cells []string) ([]types.Point, error) {
	return inCells(m.supply, cells), nil
}

func (m *mockRuleStore) DemandPositions(_ context.Context, cells []string, _ time.Time) ([]types.Point, error) {
	return inCells(m.demand, cells), nil
}

func inCells(pts []types.Point, cells []string) []types.Point {
	var out []types.Point
	for _, p := range pts {
		for _, c := range cells {
			if geohash.EncodeWithPrecision(p.Lat, p.Lng, uint(len(c))) == c {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

var (
	cat    = time.FixedZone("CAT", 2*60*60)
	pickup = types.Point{Lat: -15.4167, Lng: 28.2833}
)

func localAt(hour int) time.Time {
	return time.Date(2026, 3, 10, hour, 30, 0, 0, cat)
}

func baseRule() *Rule {
	return &Rule{
		ID: 1, VehicleType: "sedan", BaseFare: 20, PerKm: 5, PerMin: 1, MinimumFare: 30,
		SurgeMultiplier: 1.8, NightMultiplier: 1.3, WeatherMultiplier: 2.0, Active: true,
	}
}

func newTestService(store *mockRuleStore) *Service {
	s := NewService(store, cat, nil)
	s.now = func() time.Time { return localAt(12) }
	return s
}

func TestService_Calculate(t *testing.T) {
	near := types.Point{Lat: pickup.Lat + 0.01, Lng: pickup.Lng}
	far := types.Point{Lat: pickup.Lat + 0.1, Lng: pickup.Lng}

	tests := []struct {
		name      string
		rule      func(*Rule)
		settings  func(*Settings)
		supply    []types.Point
		demand    []types.Point
		req       Request
		wantFinal int64
		wantMult  float64
	}{
		{
			name:      "no multipliers: 20 + 10*5 + 20*1",
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(12)},
			wantFinal: 90,
			wantMult:  1,
		},
		{
			name:      "minimum fare floor",
			rule:      func(r *Rule) { r.MinimumFare = 100 },
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(12)},
			wantFinal: 100,
			wantMult:  1,
		},
		{
			name:      "night at 23h uses rule value under cap",
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(23)},
			wantFinal: 117, // 90 * 1.3
			wantMult:  1.3,
		},
		{
			name:      "night wraps past midnight at 04h",
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(4)},
			wantFinal: 117,
			wantMult:  1.3,
		},
		{
			name:      "weather capped by settings",
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(12), BadWeather: true},
			wantFinal: 135, // 90 * min(2.0, 1.5)
			wantMult:  1.5,
		},
		{
			name:      "rule multiplier below one is clamped to one",
			rule:      func(r *Rule) { r.WeatherMultiplier = 0.8 },
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(12), BadWeather: true},
			wantFinal: 90,
			wantMult:  1,
		},
		{
			name:      "surge when nearby demand exceeds supply",
			supply:    []types.Point{near},
			demand:    []types.Point{near, near, pickup, far, far, far},
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(12), Pickup: &pickup},
			wantFinal: 162, // 90 * 1.8
			wantMult:  1.8,
		},
		{
			name:      "distant demand is ignored",
			supply:    []types.Point{near},
			demand:    []types.Point{far, far, far, near},
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(12), Pickup: &pickup},
			wantFinal: 90,
			wantMult:  1,
		},
		{
			name:      "surge disabled",
			settings:  func(s *Settings) { s.SurgeEnabled = false },
			demand:    []types.Point{near, near, near},
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(12), Pickup: &pickup},
			wantFinal: 90,
			wantMult:  1,
		},
		{
			name:      "surge needs a pickup location",
			demand:    []types.Point{near, near, near},
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(12)},
			wantFinal: 90,
			wantMult:  1,
		},
		{
			name:      "all three multipliers stack",
			rule:      func(r *Rule) { r.SurgeMultiplier = 3 },
			demand:    []types.Point{near, near},
			req:       Request{DistanceKm: 10, DurationMin: 20, PickupAt: localAt(22), Pickup: &pickup, BadWeather: true},
			wantFinal: 351, // 90 * 2.0 * 1.3 * 1.5
			wantMult:  3.9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := baseRule()
			if tt.rule != nil {
				tt.rule(rule)
			}
			settings := DefaultSettings()
			if tt.settings != nil {
				tt.settings(&settings)
			}
			store := &mockRuleStore{
				rules:    map[string]*Rule{"sedan": rule},
				settings: settings,
				supply:   tt.supply,
				demand:   tt.demand,
			}
			tt.req.VehicleType = "sedan"

			got, err := newTestService(store).Calculate(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Calculate() error = %v", err)
			}
			if got.Breakdown.FinalPrice != tt.wantFinal {
				t.Errorf("final = %d, want %d (breakdown %+v)", got.Breakdown.FinalPrice, tt.wantFinal, got.Breakdown)
			}
			if math.Abs(got.Breakdown.TotalMultiplier-tt.wantMult) > 1e-9 {
				t.Errorf("total multiplier = %f, want %f", got.Breakdown.TotalMultiplier, tt.wantMult)
			}
			if got.Breakdown.Components.RawPrice != 90 {
				t.Errorf("raw = %d, want 90", got.Breakdown.Components.RawPrice)
			}
		})
	}
}

func TestService_SurgeNotAppliedValueIsExactlyOne(t *testing.T) {
	store := &mockRuleStore{rules: map[string]*Rule{"sedan": baseRule()}, settings: DefaultSettings()}
	got, err := newTestService(store).Calculate(context.Background(), Request{
		VehicleType: "sedan", DistanceKm: 3, DurationMin: 5, PickupAt: localAt(12), Pickup: &pickup,
	})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if got.Breakdown.Multipliers.Surge.Applied || got.Breakdown.Multipliers.Surge.Value != 1 {
		t.Errorf("surge = %+v, want not applied with value 1", got.Breakdown.Multipliers.Surge)
	}
}

func TestService_NoPricingRule(t *testing.T) {
	inactive := baseRule()
	inactive.Active = false
	store := &mockRuleStore{rules: map[string]*Rule{"sedan": inactive}, settings: DefaultSettings()}
	svc := newTestService(store)

	for _, vt := range []string{"sedan", "helicopter"} {
		_, err := svc.Calculate(context.Background(), Request{VehicleType: vt, DistanceKm: 1, DurationMin: 1})
		if err != ErrNoPricingRule {
			t.Errorf("%s: err = %v, want ErrNoPricingRule", vt, err)
		}
	}
}

func TestService_InvalidInput(t *testing.T) {
	store := &mockRuleStore{rules: map[string]*Rule{"sedan": baseRule()}, settings: DefaultSettings()}
	svc := newTestService(store)
	bad := types.Point{Lat: 100, Lng: 0}

	reqs := []Request{
		{VehicleType: "", DistanceKm: 1},
		{VehicleType: "sedan", DistanceKm: -1},
		{VehicleType: "sedan", DistanceKm: math.NaN()},
		{VehicleType: "sedan", DistanceKm: 1, Pickup: &bad},
	}
	for _, r := range reqs {
		if _, err := svc.Calculate(context.Background(), r); err != ErrInvalidInput {
			t.Errorf("Calculate(%+v) err = %v, want ErrInvalidInput", r, err)
		}
	}
}

func TestService_FinalNeverBelowMinimumAndFactorsInRange(t *testing.T) {
	near := types.Point{Lat: pickup.Lat + 0.01, Lng: pickup.Lng}
	for _, minFare := range []int64{0, 30, 500} {
		for _, km := range []float64{0, 0.4, 7.25, 60} {
			for hour := 0; hour < 24; hour += 5 {
				for _, wet := range []bool{false, true} {
					rule := baseRule()
					rule.MinimumFare = minFare
					settings := DefaultSettings()
					store := &mockRuleStore{
						rules:    map[string]*Rule{"sedan": rule},
						settings: settings,
						demand:   []types.Point{near, near},
					}
					got, err := newTestService(store).Calculate(context.Background(), Request{
						VehicleType: "sedan", DistanceKm: km, DurationMin: int(km * 1.5), PickupAt: localAt(hour),
						BadWeather: wet, Pickup: &pickup,
					})
					if err != nil {
						t.Fatalf("Calculate() error = %v", err)
					}
					b := got.Breakdown
					if b.FinalPrice < minFare {
						t.Fatalf("final %d below minimum %d", b.FinalPrice, minFare)
					}
					checkRange(t, "surge", b.Multipliers.Surge.Value, math.Min(rule.SurgeMultiplier, settings.MaxSurgeMultiplier))
					checkRange(t, "night", b.Multipliers.Night.Value, math.Min(rule.NightMultiplier, settings.MaxNightMultiplier))
					checkRange(t, "weather", b.Multipliers.Weather.Value, math.Min(rule.WeatherMultiplier, settings.MaxWeatherMultiplier))
					want := b.Multipliers.Surge.Value * b.Multipliers.Night.Value * b.Multipliers.Weather.Value
					if math.Abs(b.TotalMultiplier-want) > 1e-12 {
						t.Fatalf("total %f != product %f", b.TotalMultiplier, want)
					}
				}
			}
		}
	}
}

func checkRange(t *testing.T, name string, v, upper float64) {
	t.Helper()
	if v < 1 || v > upper {
		t.Fatalf("%s multiplier %f outside [1, %f]", name, v, upper)
	}
}

func TestInNightWindow(t *testing.T) {
	cases := []struct {
		hour, start, end int
		want             bool
	}{
		{23, 21, 5, true},
		{12, 21, 5, false},
		{4, 21, 5, true},
		{5, 21, 5, false},
		{21, 21, 5, true},
		{1, 0, 6, true},
		{6, 0, 6, false},
		{3, 22, 22, false},
	}
	for _, c := range cases {
		if got := inNightWindow(c.hour, c.start, c.end); got != c.want {
			t.Errorf("inNightWindow(%d, %d, %d) = %v, want %v", c.hour, c.start, c.end, got, c.want)
		}
	}
}

func TestNewAudit(t *testing.T) {
	store := &mockRuleStore{rules: map[string]*Rule{"sedan": baseRule()}, settings: DefaultSettings()}
	calc, err := newTestService(store).Calculate(context.Background(), Request{
		VehicleType: "sedan", DistanceKm: 10, DurationMin: 20, PickupAt: localAt(23),
	})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	at := localAt(23)
	a := NewAudit("trip-1", calc, AuditReasonTripRequest, at)
	if a.ID == "" || a.TripID != "trip-1" {
		t.Fatalf("unexpected audit identity: %+v", a)
	}
	if a.RawPrice != 90 || a.FinalPrice != 117 {
		t.Errorf("audit prices raw=%d final=%d, want 90/117", a.RawPrice, a.FinalPrice)
	}
	if !a.Breakdown.Multipliers.Night.Applied || a.Inputs.LocalHour != 23 {
		t.Errorf("audit breakdown does not carry night multiplier: %+v", a.Breakdown)
	}
}
