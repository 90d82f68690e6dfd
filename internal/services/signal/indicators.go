package signal

import (
	"math"
	"sort"
)

// ema returns the exponential moving average of the series at its last
// point, seeded with the SMA of the first period values.
func ema(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	cur := sum / float64(period)

	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		cur = (v-cur)*k + cur
	}
	return cur, true
}

// emaSlope returns the last one-bar change of an EMA tracked over the final
// n values. Zero when the series is too short to say anything.
func emaSlope(values []float64, n int) float64 {
	if len(values) < n+2 {
		return 0
	}
	k := 2.0 / float64(n+1)
	cur := values[len(values)-n-1]
	prev := cur
	for _, v := range values[len(values)-n:] {
		prev = cur
		cur = k*v + (1-k)*cur
	}
	return cur - prev
}

// vwap approximates session VWAP from closes over the last window bars.
func vwap(closes, vols []float64, window int) float64 {
	if len(closes) == 0 || len(vols) == 0 {
		return 0
	}
	if window > len(closes) {
		window = len(closes)
	}
	c := closes[len(closes)-window:]
	v := vols[len(vols)-window:]

	var num, den float64
	for i := range c {
		num += c[i] * v[i]
		den += v[i]
	}
	if den <= 0 {
		return closes[len(closes)-1]
	}
	return num / den
}

// zscore of the last value against the population of the whole slice.
func zscore(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(len(values)))
	if sd == 0 {
		return 0, false
	}
	return (values[len(values)-1] - mean) / sd, true
}

// fatigueExhausted reports whether the last m bars contain a one-way run of
// at least minStreak bars accumulating totalMove of relative change. Such a
// run is already spent; entering after it chases the tail.
func fatigueExhausted(closes []float64, m, minStreak int, totalMove float64) bool {
	if len(closes) < m+1 {
		return false
	}
	seg := closes[len(closes)-m-1:]
	streak := 0
	acc := 0.0
	for i := 1; i < len(seg); i++ {
		d := seg[i] - seg[i-1]
		if d < 0 {
			streak++
			acc += math.Abs(d) / math.Max(seg[i-1], 1e-9)
		} else {
			streak = 0
			acc = 0
		}
		if streak >= minStreak && acc >= totalMove {
			return true
		}
	}
	return false
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	cp := append([]float64(nil), values...)
	sort.Float64s(cp)
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

func pctDist(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	return math.Abs(a-b) / a
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func maxOf(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := math.Inf(1)
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
