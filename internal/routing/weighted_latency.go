package routing

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// selectionEffort is how many random pairs are drawn looking for two
	// available candidates.
	selectionEffort = 5

	lowerQuantile  = 0.2
	higherQuantile = 0.8

	// outOfBandExponent shapes the penalty applied to latencies outside the
	// [lower, higher] quantile band.
	outOfBandExponent = 4.0

	latencyHalfLife      = 2 * time.Second
	availabilityHalfLife = 5 * time.Second

	// startupPenalty keeps traffic off instances that have calls in flight
	// but no completed sample yet.
	startupPenalty = float64(math.MaxInt64 >> 12)
)

// ewma is an exponentially weighted moving average whose decay depends on
// the time elapsed between samples.
type ewma struct {
	tau   float64
	stamp time.Time
	value float64
}

func newEwma(halfLife time.Duration, initial float64, now time.Time) ewma {
	return ewma{tau: float64(halfLife) / math.Ln2, stamp: now, value: initial}
}

func (e *ewma) insert(x float64, now time.Time) {
	elapsed := float64(now.Sub(e.stamp))
	if elapsed < 0 {
		elapsed = 0
	}
	e.stamp = now
	w := math.Exp(-elapsed / e.tau)
	e.value = w*e.value + (1-w)*x
}

// frugalQuantile tracks an approximate quantile in constant memory
// (Ma, Muthukrishnan, Sandler: "Frugal Streaming for Estimating Quantiles").
type frugalQuantile struct {
	quantile float64
	estimate float64
	step     float64
	sign     int
}

func newFrugalQuantile(q float64) frugalQuantile {
	return frugalQuantile{quantile: q, step: 1}
}

func (f *frugalQuantile) insert(x float64, r float64) {
	if f.sign == 0 {
		f.estimate = x
		f.sign = 1
		return
	}
	switch {
	case x > f.estimate && r > 1-f.quantile:
		f.step += float64(f.sign)
		if f.step > 0 {
			f.estimate += f.step
		} else {
			f.estimate++
		}
		if f.estimate > x {
			f.step += x - f.estimate
			f.estimate = x
		}
		if f.sign < 0 {
			f.step = 1
		}
		f.sign = 1
	case x < f.estimate && r > f.quantile:
		f.step -= float64(f.sign)
		if f.step > 0 {
			f.estimate -= f.step
		} else {
			f.estimate--
		}
		if f.estimate < x {
			f.step += f.estimate - x
			f.estimate = x
		}
		if f.sign > 0 {
			f.step = 1
		}
		f.sign = -1
	}
}

// latencyStats is the live view of one instance. Latencies are milliseconds.
type latencyStats struct {
	mu           sync.Mutex
	pending      int
	samples      int
	latency      ewma
	lower        frugalQuantile
	higher       frugalQuantile
	availability ewma
}

func newLatencyStats(now time.Time) *latencyStats {
	return &latencyStats{
		latency:      newEwma(latencyHalfLife, 0, now),
		lower:        newFrugalQuantile(lowerQuantile),
		higher:       newFrugalQuantile(higherQuantile),
		availability: newEwma(availabilityHalfLife, 1, now),
	}
}

func (s *latencyStats) started() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
}

func (s *latencyStats) finished(latency time.Duration, failed bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending > 0 {
		s.pending--
	}
	if failed {
		s.availability.insert(0, now)
		return
	}
	ms := float64(latency) / float64(time.Millisecond)
	if s.samples == 0 {
		s.latency.value = ms
		s.latency.stamp = now
	} else {
		s.latency.insert(ms, now)
	}
	s.lower.insert(ms, rand.Float64())
	s.higher.insert(ms, rand.Float64())
	s.availability.insert(1, now)
	s.samples++
}

func (s *latencyStats) predictedLatency() float64 {
	if s.samples == 0 {
		if s.pending == 0 {
			return 0
		}
		return startupPenalty + float64(s.pending)
	}
	return s.latency.value
}

func (s *latencyStats) available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availability.value > 0
}

// weight is availability / (1 + latency*(pending+1)), with latencies outside
// the quantile band scaled by (1+distance/bandwidth)^4.
func (s *latencyStats) weight() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := float64(s.pending)
	latency := s.predictedLatency()
	low := s.lower.estimate
	high := math.Max(s.higher.estimate, low*1.001)
	bandwidth := math.Max(high-low, 1)

	if latency < low {
		latency /= outOfBandFactor(low, latency, bandwidth)
	} else if latency > high {
		latency *= outOfBandFactor(latency, high, bandwidth)
	}

	const connected = 1.0
	return connected * s.availability.value / (1 + latency*(pending+1))
}

func outOfBandFactor(upper, lower, bandwidth float64) float64 {
	alpha := (upper - lower) / bandwidth
	return math.Pow(1+alpha, outOfBandExponent)
}

// WeightedLatency prefers instances that answer fast, fail rarely and have
// few calls in flight. It compares two random candidates per call instead of
// scanning the whole set.
type WeightedLatency struct {
	clock   clock.Clock
	members memberTable

	mu    sync.Mutex
	refs  map[uint32]int
	stats sync.Map // instance id -> *latencyStats
}

func NewWeightedLatency(c clock.Clock) *WeightedLatency {
	if c == nil {
		c = clock.New()
	}
	return &WeightedLatency{clock: c, refs: make(map[uint32]int)}
}

func (w *WeightedLatency) Name() string { return NameWeightedLatency }

func (w *WeightedLatency) statsFor(instanceID uint32) *latencyStats {
	v, ok := w.stats.Load(instanceID)
	if !ok {
		return nil
	}
	return v.(*latencyStats)
}

func (w *WeightedLatency) Route(serviceID uint32, _ []byte) (uint32, bool) {
	g, ok := w.members.get(serviceID)
	if !ok || len(g) == 0 {
		return 0, false
	}
	n := len(g)
	if n == 1 {
		return g[0].id, true
	}

	var a, b member
	for i := 0; i < selectionEffort; i++ {
		i1 := rand.IntN(n)
		i2 := rand.IntN(n - 1)
		if i2 >= i1 {
			i2++
		}
		a, b = g[i1], g[i2]
		if w.available(a.id) && w.available(b.id) {
			break
		}
	}

	if w.weight(a.id) < w.weight(b.id) {
		return b.id, true
	}
	return a.id, true
}

func (w *WeightedLatency) available(id uint32) bool {
	s := w.statsFor(id)
	return s == nil || s.available()
}

func (w *WeightedLatency) weight(id uint32) float64 {
	s := w.statsFor(id)
	if s == nil {
		return 1
	}
	return s.weight()
}

func (w *WeightedLatency) OnAppRegistered(instanceID uint32, weight int, serviceIDs []uint32) {
	w.mu.Lock()
	for _, sid := range serviceIDs {
		if !w.isMember(sid, instanceID) {
			w.refs[instanceID]++
		}
	}
	w.stats.LoadOrStore(instanceID, newLatencyStats(w.clock.Now()))
	w.mu.Unlock()

	w.members.add(instanceID, weight, serviceIDs)
}

func (w *WeightedLatency) OnServiceUnregistered(instanceID uint32, _ int, serviceIDs []uint32) {
	w.mu.Lock()
	for _, sid := range serviceIDs {
		if w.isMember(sid, instanceID) {
			w.refs[instanceID]--
		}
	}
	if w.refs[instanceID] <= 0 {
		delete(w.refs, instanceID)
		w.stats.Delete(instanceID)
	}
	w.mu.Unlock()

	w.members.remove(instanceID, serviceIDs)
}

func (w *WeightedLatency) isMember(serviceID, instanceID uint32) bool {
	g, ok := w.members.get(serviceID)
	if !ok {
		return false
	}
	for _, m := range g {
		if m.id == instanceID {
			return true
		}
	}
	return false
}

func (w *WeightedLatency) AllInstanceIDs(serviceID uint32) []uint32 {
	return w.members.instanceIDs(serviceID)
}

// CallStarted implements LoadReporter.
func (w *WeightedLatency) CallStarted(instanceID uint32) {
	if s := w.statsFor(instanceID); s != nil {
		s.started()
	}
}

// CallFinished implements LoadReporter.
func (w *WeightedLatency) CallFinished(instanceID uint32, latency time.Duration, err error) {
	if s := w.statsFor(instanceID); s != nil {
		s.finished(latency, err != nil, w.clock.Now())
	}
}

var _ LoadReporter = (*WeightedLatency)(nil)
