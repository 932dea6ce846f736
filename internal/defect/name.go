// Package defect holds the data model for point-defect formation energies:
// defect names, per-charge energy records, and the dataset that groups them
// with the band-edge references defining the analysis domain.
package defect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Name identifies one calculated defect: a configuration name (e.g. "Va_O1"),
// an integer charge state, and an optional annotation distinguishing
// alternative relaxation outcomes for the same (name, charge). An empty
// annotation means none.
type Name struct {
	Name       string
	Charge     int
	Annotation string
}

// String returns the canonical form name_charge[_annotation],
// e.g. "Va_O1_2" or "Mg_O1_0_bridge".
func (n Name) String() string {
	if n.Annotation != "" {
		return strings.Join([]string{n.Name, strconv.Itoa(n.Charge), n.Annotation}, "_")
	}
	return strings.Join([]string{n.Name, strconv.Itoa(n.Charge)}, "_")
}

// ParseName parses a canonical defect name. The last integer-valued token is
// the charge; one trailing token after it, if present, is the annotation.
// "Va_O1_2" → {Va_O1, 2, ""}, "Va_O1_2_bridge" → {Va_O1, 2, "bridge"}.
func ParseName(s string) (Name, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 2 {
		return Name{}, fmt.Errorf("defect: %q is not a canonical defect name", s)
	}

	if charge, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
		return Name{
			Name:   strings.Join(parts[:len(parts)-1], "_"),
			Charge: charge,
		}, nil
	}

	if len(parts) < 3 {
		return Name{}, fmt.Errorf("defect: no charge token in %q", s)
	}
	charge, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return Name{}, fmt.Errorf("defect: no charge token in %q", s)
	}
	return Name{
		Name:       strings.Join(parts[:len(parts)-2], "_"),
		Charge:     charge,
		Annotation: parts[len(parts)-1],
	}, nil
}

// Matcher is a predicate over canonical defect names. Filtering logic depends
// on this interface only, so the pattern grammar stays in one place.
type Matcher interface {
	Match(canonical string) bool
}

// RegexpMatcher matches canonical names against a set of regular expressions
// with unanchored search semantics. Useful keyword patterns:
//
//	"Va"            all vacancies
//	"_i"            all interstitials
//	"Va_O"          all oxygen vacancies
//	"Va_O[0-9]+_0"  neutral oxygen vacancies
//	"Va_O1_2"       one particular defect
//
// A matcher built from zero patterns matches everything.
type RegexpMatcher struct {
	patterns []*regexp.Regexp
}

// NewRegexpMatcher compiles the given patterns. An invalid pattern is an
// error, not a silent non-match.
func NewRegexpMatcher(patterns []string) (*RegexpMatcher, error) {
	m := &RegexpMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("defect: bad name pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether any pattern occurs in the canonical name.
func (m *RegexpMatcher) Match(canonical string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	for _, re := range m.patterns {
		if re.MatchString(canonical) {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher was built without patterns.
func (m *RegexpMatcher) Empty() bool {
	return len(m.patterns) == 0
}
