// README: Pricing engine: rule lookup, surge/night/weather multipliers and minimum fare.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mmcloughlin/geohash"

	"propmove/internal/metrics"
	"propmove/internal/modules/location"
	"propmove/internal/types"
)

var (
	ErrNoPricingRule = errors.New("vehicle type unavailable")
	ErrInvalidInput  = errors.New("invalid pricing input")
)

const (
	surgeRadiusKm = 5.0
	// surgeCellPrecision yields cells of roughly 39x20 km; a cell plus its
	// neighbours always covers the surge radius.
	surgeCellPrecision = 4
)

type RuleStore interface {
	ActiveRule(ctx context.Context, vehicleType string) (*Rule, error)
	Settings(ctx context.Context) (Settings, error)
	SupplyPositions(ctx context.Context, cells []string) ([]types.Point, error)
	DemandPositions(ctx context.Context, cells []string, since time.Time) ([]types.Point, error)
}

type Service struct {
	store   RuleStore
	loc     *time.Location
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(store RuleStore, loc *time.Location, m *metrics.Metrics) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, loc: loc, metrics: m, now: time.Now}
}

// Calculate prices a trip. It reads the active rule and settings but writes nothing.
func (s *Service) Calculate(ctx context.Context, req Request) (Calculation, error) {
	if req.VehicleType == "" || req.DistanceKm < 0 || math.IsNaN(req.DistanceKm) || math.IsInf(req.DistanceKm, 0) || req.DurationMin < 0 {
		return Calculation{}, ErrInvalidInput
	}
	if req.Pickup != nil && !req.Pickup.Valid() {
		return Calculation{}, ErrInvalidInput
	}
	if req.PickupAt.IsZero() {
		req.PickupAt = s.now()
	}

	rule, err := s.store.ActiveRule(ctx, req.VehicleType)
	if err != nil {
		return Calculation{}, err
	}
	settings, err := s.store.Settings(ctx)
	if err != nil {
		return Calculation{}, fmt.Errorf("load transport settings: %w", err)
	}

	localHour := req.PickupAt.In(s.loc).Hour()
	b := Breakdown{
		RuleID: rule.ID,
		Inputs: Inputs{
			VehicleType: req.VehicleType,
			DistanceKm:  req.DistanceKm,
			DurationMin: req.DurationMin,
			PickupAt:    req.PickupAt,
			LocalHour:   localHour,
			BadWeather:  req.BadWeather,
			Pickup:      req.Pickup,
		},
		MinimumFare: rule.MinimumFare,
		Currency:    types.Currency,
	}

	b.Components.BaseFare = rule.BaseFare
	b.Components.DistanceCost = int64(math.Round(req.DistanceKm * rule.PerKm))
	b.Components.TimeCost = int64(math.Round(float64(req.DurationMin) * rule.PerMin))
	b.Components.RawPrice = b.Components.BaseFare + b.Components.DistanceCost + b.Components.TimeCost

	surge, err := s.surge(ctx, req, rule, settings)
	if err != nil {
		return Calculation{}, err
	}
	b.Multipliers.Surge = surge
	b.Multipliers.Night = nightMultiplier(localHour, rule, settings)
	b.Multipliers.Weather = weatherMultiplier(req.BadWeather, rule, settings)
	b.TotalMultiplier = b.Multipliers.Total()

	b.FinalPrice = int64(math.Round(float64(b.Components.RawPrice) * b.TotalMultiplier))
	if b.FinalPrice < rule.MinimumFare {
		b.FinalPrice = rule.MinimumFare
		b.MinimumFareApplied = true
	}

	s.metrics.IncPricing(req.VehicleType, surge.Applied)
	return Calculation{Breakdown: b}, nil
}

func (s *Service) surge(ctx context.Context, req Request, rule *Rule, settings Settings) (Multiplier, error) {
	if !settings.SurgeEnabled {
		return notApplied("surge disabled"), nil
	}
	if req.Pickup == nil {
		return notApplied("no pickup location"), nil
	}

	cells := coveringCells(*req.Pickup)
	supplyPts, err := s.store.SupplyPositions(ctx, cells)
	if err != nil {
		return Multiplier{}, fmt.Errorf("count nearby supply: %w", err)
	}
	since := s.now().Add(-time.Duration(settings.SurgeWindowMinutes) * time.Minute)
	demandPts, err := s.store.DemandPositions(ctx, cells, since)
	if err != nil {
		return Multiplier{}, fmt.Errorf("count nearby demand: %w", err)
	}

	supply := countWithin(*req.Pickup, supplyPts, surgeRadiusKm)
	demand := countWithin(*req.Pickup, demandPts, surgeRadiusKm)
	if demand-supply < settings.SurgeMinDelta {
		return notApplied(fmt.Sprintf("demand %d, supply %d within %.0fkm", demand, supply, surgeRadiusKm)), nil
	}
	return capped(rule.SurgeMultiplier, settings.MaxSurgeMultiplier,
		fmt.Sprintf("demand %d exceeds supply %d within %.0fkm", demand, supply, surgeRadiusKm)), nil
}

func nightMultiplier(hour int, rule *Rule, settings Settings) Multiplier {
	if !inNightWindow(hour, settings.NightStartHour, settings.NightEndHour) {
		return notApplied("daytime")
	}
	return capped(rule.NightMultiplier, settings.MaxNightMultiplier,
		fmt.Sprintf("pickup hour %02d in night window %02d-%02d", hour, settings.NightStartHour, settings.NightEndHour))
}

func weatherMultiplier(bad bool, rule *Rule, settings Settings) Multiplier {
	if !bad {
		return notApplied("normal weather")
	}
	return capped(rule.WeatherMultiplier, settings.MaxWeatherMultiplier, "bad weather reported")
}

// inNightWindow reports whether hour is in [start, end), wrapping past
// midnight when start > end. An empty window (start == end) never matches.
func inNightWindow(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// capped clamps min(ruleValue, settingsCap) into [1, min(ruleValue, settingsCap)].
func capped(ruleValue, settingsCap float64, reason string) Multiplier {
	v := math.Min(ruleValue, settingsCap)
	if v < 1 || math.IsNaN(v) {
		v = 1
	}
	return Multiplier{Value: v, Applied: true, Reason: reason}
}

func notApplied(reason string) Multiplier {
	return Multiplier{Value: 1, Applied: false, Reason: reason}
}

func coveringCells(p types.Point) []string {
	center := geohash.EncodeWithPrecision(p.Lat, p.Lng, surgeCellPrecision)
	return append([]string{center}, geohash.Neighbors(center)...)
}

func countWithin(center types.Point, pts []types.Point, radiusKm float64) int {
	n := 0
	for _, p := range pts {
		if location.DistanceKm(center, p) <= radiusKm {
			n++
		}
	}
	return n
}
