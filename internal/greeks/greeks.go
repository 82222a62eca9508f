package greeks

import "math"

// Black-Scholes greeks for European index options. Volatility is a
// fraction (0.14 for 14%), tau is time to expiry in years.

// RiskFreeRate approximates the short-term treasury yield used for
// index option pricing
const RiskFreeRate = 0.065

func d1(spot, strike, vol, tau, rate float64) float64 {
	return (math.Log(spot/strike) + (rate+0.5*vol*vol)*tau) / (vol * math.Sqrt(tau))
}

// CallDelta returns N(d1)
func CallDelta(spot, strike, vol, tau, rate float64) float64 {
	if !valid(spot, strike, vol, tau) {
		return 0.5
	}
	return normCDF(d1(spot, strike, vol, tau, rate))
}

// PutDelta returns N(d1) - 1, always negative
func PutDelta(spot, strike, vol, tau, rate float64) float64 {
	if !valid(spot, strike, vol, tau) {
		return -0.5
	}
	return normCDF(d1(spot, strike, vol, tau, rate)) - 1
}

// Gamma is identical for calls and puts
func Gamma(spot, strike, vol, tau, rate float64) float64 {
	if !valid(spot, strike, vol, tau) {
		return 0
	}
	return normPDF(d1(spot, strike, vol, tau, rate)) / (spot * vol * math.Sqrt(tau))
}

// Vega per 1.0 of volatility (divide by 100 for per-point)
func Vega(spot, strike, vol, tau, rate float64) float64 {
	if !valid(spot, strike, vol, tau) {
		return 0
	}
	return spot * normPDF(d1(spot, strike, vol, tau, rate)) * math.Sqrt(tau)
}

// CallTheta per year (divide by 365 for per-day)
func CallTheta(spot, strike, vol, tau, rate float64) float64 {
	if !valid(spot, strike, vol, tau) {
		return 0
	}
	dOne := d1(spot, strike, vol, tau, rate)
	dTwo := dOne - vol*math.Sqrt(tau)
	return -spot*normPDF(dOne)*vol/(2*math.Sqrt(tau)) -
		rate*strike*math.Exp(-rate*tau)*normCDF(dTwo)
}

// PutTheta per year
func PutTheta(spot, strike, vol, tau, rate float64) float64 {
	if !valid(spot, strike, vol, tau) {
		return 0
	}
	dOne := d1(spot, strike, vol, tau, rate)
	dTwo := dOne - vol*math.Sqrt(tau)
	return -spot*normPDF(dOne)*vol/(2*math.Sqrt(tau)) +
		rate*strike*math.Exp(-rate*tau)*normCDF(-dTwo)
}

func valid(spot, strike, vol, tau float64) bool {
	return spot > 0 && strike > 0 && vol > 0 && tau > 0
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}
