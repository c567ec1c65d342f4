// README: Pricing rate definition for each transport mode.
package pricing

import "time"

// Rate amounts are in paise.
type Rate struct {
	Mode        string
	BaseFare    int64
	PerKm       int64
	AvgSpeedKmh float64
	Currency    string
}

// DefaultRates follow the city averages used when quoting a booking.
var DefaultRates = map[string]Rate{
	"cab":  {Mode: "cab", BaseFare: 8000, PerKm: 1800, AvgSpeedKmh: 22, Currency: "INR"},
	"bike": {Mode: "bike", BaseFare: 2000, PerKm: 700, AvgSpeedKmh: 28, Currency: "INR"},
	"auto": {Mode: "auto", BaseFare: 2500, PerKm: 1400, AvgSpeedKmh: 20, Currency: "INR"},
}

type PricingRequest struct {
	Mode        string
	DistanceKm  float64
	RequestTime time.Time
}

type PricingResult struct {
	TotalAmount int64
	Currency    string
	DurationMin float64
	Breakdown   map[string]int64
}
