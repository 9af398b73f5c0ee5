package stats

// Mean is an incrementally updated arithmetic mean.
type Mean struct {
	Count int64   `json:"count"`
	Value float64 `json:"value"`
}

// Add folds x into the mean.
func (m *Mean) Add(x float64) {
	m.Count++
	m.Value += (x - m.Value) / float64(m.Count)
}

// Rate tracks successes over attempts.
type Rate struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
}

// Observe records one attempt.
func (r *Rate) Observe(success bool) {
	r.Attempts++
	if success {
		r.Successes++
	}
}

// Value returns the success ratio, or 0 with no attempts.
func (r Rate) Value() float64 {
	if r.Attempts == 0 {
		return 0
	}
	return float64(r.Successes) / float64(r.Attempts)
}

// Trend returns mean(last window) minus mean(previous window) over xs,
// ordered oldest first. It is 0 until 2*window samples exist.
func Trend(xs []float64, window int) float64 {
	if window <= 0 || len(xs) < 2*window {
		return 0
	}
	recent := xs[len(xs)-window:]
	prior := xs[len(xs)-2*window : len(xs)-window]
	return avg(recent) - avg(prior)
}

func avg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
