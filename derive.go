package ecupulse

// stoichFuelDivisor converts mass air flow (g/s) to fuel burn (L/h)
// assuming a stoichiometric gasoline mixture. The value is part of the
// output contract; do not tune it.
const stoichFuelDivisor = 11.2

// EstimateGear guesses the engaged gear from road speed and engine
// speed. This is a ratio heuristic, not a measured gear: it maps km/h
// per 1000 rpm into fixed bands. Below 500 rpm or 5 km/h the vehicle
// is treated as neutral/stationary and 0 is reported.
func EstimateGear(speedKmh, rpm float64) int {
	if rpm < 500 || speedKmh < 5 {
		return 0
	}
	ratio := speedKmh / (rpm / 1000)
	switch {
	case ratio < 8:
		return 1
	case ratio < 14:
		return 2
	case ratio < 20:
		return 3
	case ratio < 26:
		return 4
	case ratio < 32:
		return 5
	}
	return 6
}

// FuelRateLPH approximates fuel consumption from mass air flow. Only
// meaningful for positive air flow; callers leave the snapshot field
// untouched otherwise.
func FuelRateLPH(mafGPS float64) float64 {
	return mafGPS / stoichFuelDivisor
}
