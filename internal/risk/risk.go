// Package risk implements the risk classification domain: mapping a
// probability/severity pair onto one of four ordered risk bands via a fixed
// 5x5 matrix keyed by composite code.
package risk

import (
	"fmt"
	"sort"
)

// Severity codes run A (catastrophic) through E (negligible).
// Probability runs 1 (rare) through 5 (frequent).
const (
	SeverityCatastrophic = "A"
	SeverityCritical     = "B"
	SeverityModerate     = "C"
	SeverityMinor        = "D"
	SeverityNegligible   = "E"
)

const (
	ProbabilityMin = 1
	ProbabilityMax = 5
)

// classification is the fixed probability x severity matrix. Values are the
// four risk bands, 4 (highest) down to 1 (lowest). Codes absent from this
// table resolve to 0, "unclassified", which is distinct from band 1.
var classification = map[string]int{
	"5A": 4, "5B": 4, "5C": 4, "5D": 3, "5E": 2,
	"4A": 4, "4B": 4, "4C": 3, "4D": 3, "4E": 2,
	"3A": 4, "3B": 3, "3C": 3, "3D": 2, "3E": 1,
	"2A": 3, "2B": 3, "2C": 2, "2D": 2, "2E": 1,
	"1A": 2, "1B": 2, "1C": 1, "1D": 1, "1E": 1,
}

// ValidProbability reports whether p is inside the 1..5 matrix range.
func ValidProbability(p int) bool {
	return p >= ProbabilityMin && p <= ProbabilityMax
}

// ValidSeverity reports whether s is one of the codes A..E.
func ValidSeverity(s string) bool {
	return len(s) == 1 && s[0] >= 'A' && s[0] <= 'E'
}

// CompositeCode concatenates the probability digit and severity letter,
// e.g. (4, "A") -> "4A". It does not validate its inputs.
func CompositeCode(probability int, severity string) string {
	return fmt.Sprintf("%d%s", probability, severity)
}

// Classify maps a valid probability/severity pair to its risk band.
// Passing values outside 1..5 / A..E is a programming error and panics;
// callers validate user input before reaching this point.
func Classify(probability int, severity string) int {
	if !ValidProbability(probability) {
		panic(fmt.Sprintf("risk: probability %d outside 1..5", probability))
	}
	if !ValidSeverity(severity) {
		panic(fmt.Sprintf("risk: severity %q outside A..E", severity))
	}
	return ResolveCode(CompositeCode(probability, severity))
}

// ResolveCode looks up a composite code in the classification table. It is
// total: unknown codes return 0 (unclassified).
func ResolveCode(code string) int {
	return classification[code]
}

// CodesFor enumerates, in sorted order, every composite code in the table
// that classifies to the given band. It is the inverse of ResolveCode over
// the table's domain; values outside 1..4 yield an empty slice.
func CodesFor(value int) []string {
	codes := make([]string, 0, len(classification))
	for code, v := range classification {
		if v == value {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}
