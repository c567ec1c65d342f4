// README: Pricing service computes fare estimates attached to new bookings.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"movzz/internal/clock"
	"movzz/internal/types"
)

var ErrUnknownMode = errors.New("no rate for transport mode")

// Night hours (IST) carry a surcharge on the metered part of the fare.
const (
	nightStartHour   = 23
	nightEndHour     = 5
	nightSurchargePc = 25
)

var ist = time.FixedZone("IST", 5*3600+1800)

type Service struct {
	rates map[string]Rate
	clock clock.Clock
}

// NewService uses DefaultRates when rates is nil and the system clock when
// clk is nil.
func NewService(rates map[string]Rate, clk clock.Clock) *Service {
	if rates == nil {
		rates = DefaultRates
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{rates: rates, clock: clk}
}

func (s *Service) Estimate(ctx context.Context, req PricingRequest) (PricingResult, error) {
	rate, ok := s.rates[req.Mode]
	if !ok {
		return PricingResult{}, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
	dist := math.Max(req.DistanceKm, 0)
	metered := int64(math.Round(dist * float64(rate.PerKm)))

	breakdown := map[string]int64{
		"base":     rate.BaseFare,
		"distance": metered,
	}
	total := rate.BaseFare + metered
	if isNight(req.RequestTime) {
		night := metered * nightSurchargePc / 100
		breakdown["night"] = night
		total += night
	}
	// round up to whole rupees
	total = (total + 99) / 100 * 100

	var duration float64
	if rate.AvgSpeedKmh > 0 {
		duration = math.Round(dist / rate.AvgSpeedKmh * 60)
	}
	return PricingResult{TotalAmount: total, Currency: rate.Currency, DurationMin: duration, Breakdown: breakdown}, nil
}

// Quote prices a trip between two points at the current time.
func (s *Service) Quote(ctx context.Context, mode string, pickup, dropoff types.Point) (types.Money, error) {
	res, err := s.Estimate(ctx, PricingRequest{
		Mode:        mode,
		DistanceKm:  types.DistanceKm(pickup, dropoff),
		RequestTime: s.clock.Now(),
	})
	if err != nil {
		return types.Money{}, err
	}
	return types.Money{Amount: res.TotalAmount, Currency: res.Currency}, nil
}

func isNight(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	h := t.In(ist).Hour()
	return h >= nightStartHour || h < nightEndHour
}
