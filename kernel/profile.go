package kernel

import (
	"io"

	"github.com/google/pprof/profile"
)

// WriteProfile snapshots the frame table's current occupancy -- one
// sample per resident frame, valued in bytes and labeled by the
// occupying page's kind -- and writes it in pprof's gzipped proto
// format to w. Grounded on the teacher kernel's use of
// github.com/google/pprof/profile for its own heap/cpu profile
// emission; generalized from a runtime.MemProfileRecord source to a
// frame-table walk, since this module has no Go heap of its own to
// profile but does have a fixed-size occupancy table that benefits
// from the same visualization tooling (go tool pprof).
func (k *Kernel) WriteProfile(w io.Writer) error {
	sampleType := &profile.ValueType{Type: "bytes", Unit: "bytes"}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{sampleType},
		PeriodType: sampleType,
		Period:     1,
	}

	functions := map[string]*profile.Function{}
	locations := map[string]*profile.Location{}
	var nextID uint64

	locationFor := func(name string) *profile.Location {
		if l, ok := locations[name]; ok {
			return l
		}
		nextID++
		fn := functions[name]
		if fn == nil {
			fn = &profile.Function{ID: nextID, Name: name, SystemName: name}
			functions[name] = fn
			p.Function = append(p.Function, fn)
		}
		nextID++
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		locations[name] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	occupied, pageSize := k.Frames.Snapshot()
	for _, kind := range occupied {
		loc := locationFor(kind)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(pageSize)},
		})
	}

	return p.Write(w)
}
