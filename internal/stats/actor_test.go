package stats

import (
	"math"
	"sync"
	"testing"
)

type counters struct {
	total int
	mean  Mean
	seen  map[string]int
}

func cloneCounters(c counters) counters {
	out := c
	out.seen = make(map[string]int, len(c.seen))
	for k, v := range c.seen {
		out.seen[k] = v
	}
	return out
}

func TestActor_SerializesConcurrentUpdates(t *testing.T) {
	a := NewActor(counters{seen: map[string]int{}}, cloneCounters)
	defer a.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.Update(func(c *counters) {
					c.total++
					c.mean.Add(1)
					c.seen["k"]++
				})
			}
		}()
	}
	wg.Wait()

	snap := a.Snapshot()
	if snap.total != 800 {
		t.Fatalf("total = %d, want 800", snap.total)
	}
	if snap.seen["k"] != 800 {
		t.Fatalf("seen = %d, want 800", snap.seen["k"])
	}
	if math.Abs(snap.mean.Value-1) > 1e-9 {
		t.Fatalf("mean = %f, want 1", snap.mean.Value)
	}
}

func TestActor_SnapshotIsCopy(t *testing.T) {
	a := NewActor(counters{seen: map[string]int{}}, cloneCounters)
	defer a.Close()

	a.Update(func(c *counters) { c.seen["x"] = 1 })
	snap := a.Snapshot()
	snap.seen["x"] = 99

	if got := a.Snapshot().seen["x"]; got != 1 {
		t.Fatalf("owned state mutated through snapshot: %d", got)
	}
}

func TestActor_AfterCloseIsInert(t *testing.T) {
	a := NewActor(counters{}, nil)
	a.Update(func(c *counters) { c.total = 5 })
	a.Close()
	a.Update(func(c *counters) { c.total = 6 })
	if got := a.Snapshot().total; got != 0 {
		t.Fatalf("snapshot after close = %d, want zero value", got)
	}
}

func TestMeanAndTrend(t *testing.T) {
	var m Mean
	for _, x := range []float64{1, 2, 3, 4} {
		m.Add(x)
	}
	if math.Abs(m.Value-2.5) > 1e-9 {
		t.Fatalf("mean = %f, want 2.5", m.Value)
	}

	xs := []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.9, 0.9, 0.9, 0.9, 0.9}
	if got := Trend(xs, 5); math.Abs(got-0.4) > 1e-9 {
		t.Fatalf("trend = %f, want 0.4", got)
	}
	if got := Trend(xs[:9], 5); got != 0 {
		t.Fatalf("trend with too few samples = %f, want 0", got)
	}
}

func TestRate(t *testing.T) {
	var r Rate
	if r.Value() != 0 {
		t.Fatal("empty rate should be 0")
	}
	r.Observe(true)
	r.Observe(false)
	if r.Value() != 0.5 {
		t.Fatalf("rate = %f, want 0.5", r.Value())
	}
}
