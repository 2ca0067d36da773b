package kernel

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Counter_t and Cycles_t mirror the teacher kernel's stats package
// (biscuit/src/stats/stats.go) naming, generalized in one deliberate
// way recorded in DESIGN.md: the teacher reads the TSC through a
// custom runtime call (runtime.Rdtsc), a primitive stock Go does not
// expose, so Cycles_t.Add here measures elapsed wall time via
// time.Since instead. Counting is otherwise identical: Stats is always
// on (there is no bare-metal build to gate it behind), so every Inc
// and Add always takes effect.
type Counter_t int64

// Cycles_t accumulates elapsed nanoseconds between a Start() timestamp
// and the matching Add call.
type Cycles_t int64

// Inc atomically increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Load reads the counter's current value.
func (c *Counter_t) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Start returns a timestamp to later pass to Add.
func Start() time.Time { return time.Now() }

// Add adds the nanoseconds elapsed since start.
func (c *Cycles_t) Add(start time.Time) {
	atomic.AddInt64((*int64)(c), int64(time.Since(start)))
}

// Load reads the accumulated duration.
func (c *Cycles_t) Load() time.Duration {
	return time.Duration(atomic.LoadInt64((*int64)(c)))
}

// Stats holds the fault-path counters this module exposes: resolution
// counts broken down by path (resident hit, stack growth, fatal) and
// their cumulative latency -- the fields a production Go service would
// export as Prometheus counters, here kept in the teacher's own
// Counter_t/Cycles_t style instead of reaching for an external metrics
// library the retrieval pack never uses.
type Stats struct {
	FaultsResident Counter_t
	FaultsStack    Counter_t
	FaultsFatal    Counter_t
	FaultLatency   Cycles_t
}

// String renders every counter on its own line, grounded on the
// teacher's Stats2String (biscuit/src/stats/stats.go), which reflects
// over a struct's Counter_t/Cycles_t fields by name; reimplemented here
// without reflection since Stats's field set is small and fixed.
func (s *Stats) String() string {
	var b strings.Builder
	write := func(name string, v int64) {
		b.WriteString("\n\t#")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(v, 10))
	}
	write("FaultsResident", s.FaultsResident.Load())
	write("FaultsStack", s.FaultsStack.Load())
	write("FaultsFatal", s.FaultsFatal.Load())
	b.WriteString("\n\t#FaultLatency: ")
	b.WriteString(s.FaultLatency.Load().String())
	b.WriteString("\n")
	return b.String()
}
