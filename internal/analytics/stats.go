package analytics

import "math"

// MeanStddev returns the arithmetic mean and population standard deviation.
func MeanStddev(values []float64) (mean, stddev float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= n

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / n)
}

// ZScore returns (price-mean)/stddev; ok is false when stddev is zero.
func ZScore(price, mean, stddev float64) (z float64, ok bool) {
	if stddev <= 0 {
		return 0, false
	}
	return (price - mean) / stddev, true
}

// AutocorrLag1 computes lag-1 autocorrelation of log returns over the price
// series. ok is false with fewer than three returns or zero variance.
func AutocorrLag1(prices []float64) (r float64, ok bool) {
	if len(prices) < 4 {
		return 0, false
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 3 {
		return 0, false
	}

	mean, _ := MeanStddev(returns)
	var num, den float64
	for i := 0; i < len(returns); i++ {
		d := returns[i] - mean
		den += d * d
		if i > 0 {
			num += d * (returns[i-1] - mean)
		}
	}
	if den == 0 {
		return 0, false
	}
	r = num / den
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, true
}

// EMA computes an exponential moving average over the full series with the
// given period.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 || period <= 0 {
		return 0
	}
	k := 2.0 / (float64(period) + 1)
	ema := values[0]
	for _, v := range values[1:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}
