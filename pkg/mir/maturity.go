package mir

import (
	"fmt"
	"strconv"
	"strings"
)

// Maturity is the optimisation level the graph was generated at. Higher
// levels have cleaner dataflow, so analyses may spend more effort on them.
type Maturity int

const (
	MaturityGenerated Maturity = iota + 1
	MaturityPreoptimized
	MaturityLocopt
	MaturityCalls
	MaturityGlbopt1
	MaturityGlbopt2
	MaturityGlbopt3
	MaturityLvars
)

var maturityNames = map[Maturity]string{
	MaturityGenerated:    "generated",
	MaturityPreoptimized: "preoptimized",
	MaturityLocopt:       "locopt",
	MaturityCalls:        "calls",
	MaturityGlbopt1:      "glbopt1",
	MaturityGlbopt2:      "glbopt2",
	MaturityGlbopt3:      "glbopt3",
	MaturityLvars:        "lvars",
}

func (m Maturity) String() string {
	if s, ok := maturityNames[m]; ok {
		return s
	}
	return fmt.Sprintf("maturity(%d)", int(m))
}

// Valid reports whether m is one of the defined levels.
func (m Maturity) Valid() bool {
	_, ok := maturityNames[m]
	return ok
}

// ParseMaturity accepts either a level name or its number.
func ParseMaturity(s string) (Maturity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		m := Maturity(n)
		if !m.Valid() {
			return 0, fmt.Errorf("maturity %d out of range", n)
		}
		return m, nil
	}
	for m, name := range maturityNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown maturity %q", s)
}
