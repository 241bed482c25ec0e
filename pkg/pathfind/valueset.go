package pathfind

import (
	"sort"
	"strconv"
	"strings"
)

// valueSet is an element of the lattice ⊥ < {v1..vn} < ⊤. The zero value is
// ⊥; a set larger than the widening limit becomes ⊤.
type valueSet struct {
	top  bool
	vals []uint64 // sorted, unique
}

func unknown() valueSet { return valueSet{top: true} }

func constant(v uint64) valueSet { return valueSet{vals: []uint64{v}} }

func (s valueSet) isBottom() bool { return !s.top && len(s.vals) == 0 }

func (s valueSet) single() (uint64, bool) {
	if s.top || len(s.vals) != 1 {
		return 0, false
	}
	return s.vals[0], true
}

func (s valueSet) String() string {
	if s.top {
		return "⊤"
	}
	if len(s.vals) == 0 {
		return "⊥"
	}
	parts := make([]string, len(s.vals))
	for i, v := range s.vals {
		parts[i] = "0x" + strconv.FormatUint(v, 16)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func fromValues(vals []uint64, limit int) valueSet {
	if len(vals) == 0 {
		return valueSet{}
	}
	sorted := append([]uint64(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	if limit > 0 && len(out) > limit {
		return unknown()
	}
	return valueSet{vals: out}
}

func join(a, b valueSet, limit int) valueSet {
	if a.top || b.top {
		return unknown()
	}
	return fromValues(append(append([]uint64(nil), a.vals...), b.vals...), limit)
}

func mapUnary(a valueSet, limit int, f func(uint64) uint64) valueSet {
	if a.top {
		return a
	}
	out := make([]uint64, len(a.vals))
	for i, v := range a.vals {
		out[i] = f(v)
	}
	return fromValues(out, limit)
}

func mapBinary(a, b valueSet, limit int, f func(x, y uint64) uint64) valueSet {
	if a.top || b.top {
		return unknown()
	}
	if limit > 0 && len(a.vals)*len(b.vals) > limit*limit {
		return unknown()
	}
	out := make([]uint64, 0, len(a.vals)*len(b.vals))
	for _, x := range a.vals {
		for _, y := range b.vals {
			out = append(out, f(x, y))
		}
	}
	return fromValues(out, limit)
}

// split partitions a finite set by pred.
func (s valueSet) split(pred func(uint64) bool) (yes, no valueSet) {
	for _, v := range s.vals {
		if pred(v) {
			yes.vals = append(yes.vals, v)
		} else {
			no.vals = append(no.vals, v)
		}
	}
	return yes, no
}
