// Package filter derives the working view of a dataset for envelope
// analysis: disfavored records are removed and each surviving (name, charge)
// is reduced to its single lowest-energy annotation. The view is a freshly
// built structure (the source dataset is never touched) and every removal
// is reported as a structured diagnostic rather than only a log line, so
// callers and tests can assert on filtering decisions.
package filter

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/talgya/defect-levels/internal/defect"
)

// Reason classifies one filtering removal. All reasons are non-fatal: the
// record is dropped and the batch continues.
type Reason string

const (
	ReasonUnconverged  Reason = "unconverged"
	ReasonShallow      Reason = "shallow"
	ReasonExcluded     Reason = "excluded"
	ReasonNoKeyword    Reason = "no keyword match"
	ReasonNotWhitelist Reason = "not whitelisted"
	ReasonEmptyName    Reason = "no surviving charge"
)

// Removal is one structured filtering diagnostic.
type Removal struct {
	Canonical string `json:"canonical"`
	Reason    Reason `json:"reason"`
}

// Options steers the filter. All pattern lists hold regular expressions
// matched against the canonical string name_charge[_annotation], except
// Whitelist, whose entries are parsed canonical names matched exactly.
type Options struct {
	// Keywords, when non-empty, retains only records whose canonical
	// string matches at least one pattern.
	Keywords []string
	// Exclude drops matching records; Include re-admits them (include
	// overrides exclude).
	Include []string
	Exclude []string
	// Whitelist, when non-empty, takes precedence over everything else:
	// only the (name, charge) pairs it names survive, with an entry's
	// annotation (when present) restricting annotations too.
	Whitelist []string

	DropUnconverged bool
	DropShallow     bool
}

// View is the filtered working copy: one representative record per
// surviving (name, charge), with the chosen annotation recorded for
// auditability. Downstream solvers operate read-only on a View.
type View struct {
	Energies    map[string]map[int]defect.EnergyRecord
	Annotations map[string]map[int]string

	// BandGap carries the default domain width through to the solvers.
	BandGap float64
}

// Names returns the surviving configuration names in ascending order.
func (v *View) Names() []string {
	names := make([]string, 0, len(v.Energies))
	for name := range v.Energies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Charges returns the surviving charges of name, ascending.
func (v *View) Charges(name string) []int {
	byCharge, ok := v.Energies[name]
	if !ok {
		return nil
	}
	charges := make([]int, 0, len(byCharge))
	for q := range byCharge {
		charges = append(charges, q)
	}
	sort.Ints(charges)
	return charges
}

// Apply builds the view. The only errors are malformed options (bad pattern,
// unparsable whitelist entry); filtering removals are diagnostics.
func Apply(ds *defect.Dataset, opts Options) (*View, []Removal, error) {
	keywords, err := defect.NewRegexpMatcher(opts.Keywords)
	if err != nil {
		return nil, nil, err
	}
	include, err := defect.NewRegexpMatcher(opts.Include)
	if err != nil {
		return nil, nil, err
	}
	exclude, err := defect.NewRegexpMatcher(opts.Exclude)
	if err != nil {
		return nil, nil, err
	}

	var whitelist []defect.Name
	for _, entry := range opts.Whitelist {
		n, err := defect.ParseName(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("filter: whitelist entry: %w", err)
		}
		whitelist = append(whitelist, n)
	}

	view := &View{
		Energies:    make(map[string]map[int]defect.EnergyRecord),
		Annotations: make(map[string]map[int]string),
		BandGap:     ds.BandGap(),
	}
	var removals []Removal

	for _, name := range ds.Names() {
		kept := 0
		for _, charge := range ds.Charges(name) {
			byAnnotation := ds.Energies[name][charge]

			annotations := make([]string, 0, len(byAnnotation))
			for a := range byAnnotation {
				annotations = append(annotations, a)
			}
			sort.Strings(annotations)

			// Collect surviving annotations for this (name, charge).
			var survivors []string
			for _, a := range annotations {
				canonical := defect.Name{Name: name, Charge: charge, Annotation: a}.String()
				rec := byAnnotation[a]

				if len(whitelist) > 0 {
					if !whitelisted(whitelist, name, charge, a) {
						removals = append(removals, Removal{canonical, ReasonNotWhitelist})
						continue
					}
					survivors = append(survivors, a)
					continue
				}

				// An empty matcher matches everything, which is the
				// wanted behavior for keywords but not for the
				// exclude/include lists.
				excluded := !exclude.Empty() && exclude.Match(canonical)
				included := !include.Empty() && include.Match(canonical)

				switch {
				case opts.DropUnconverged && !rec.Converged:
					removals = append(removals, Removal{canonical, ReasonUnconverged})
				case opts.DropShallow && rec.Shallow:
					removals = append(removals, Removal{canonical, ReasonShallow})
				case excluded && !included:
					removals = append(removals, Removal{canonical, ReasonExcluded})
				case !keywords.Match(canonical):
					removals = append(removals, Removal{canonical, ReasonNoKeyword})
				default:
					survivors = append(survivors, a)
				}
			}
			if len(survivors) == 0 {
				continue
			}

			// Representative: minimum energy; ties resolve to the first
			// annotation in sorted order (survivors are already sorted).
			best := survivors[0]
			bestRec := byAnnotation[best]
			for _, a := range survivors[1:] {
				if r := byAnnotation[a]; r.Energy < bestRec.Energy {
					best, bestRec = a, r
				}
			}

			if view.Energies[name] == nil {
				view.Energies[name] = make(map[int]defect.EnergyRecord)
				view.Annotations[name] = make(map[int]string)
			}
			view.Energies[name][charge] = bestRec
			view.Annotations[name][charge] = best
			kept++
		}

		if kept == 0 {
			removals = append(removals, Removal{name, ReasonEmptyName})
			slog.Warn("configuration dropped from diagram", "name", name)
		}
	}

	for _, r := range removals {
		if r.Reason != ReasonEmptyName {
			slog.Debug("record filtered out", "canonical", r.Canonical, "reason", string(r.Reason))
		}
	}
	return view, removals, nil
}

// whitelisted reports whether some whitelist entry names (name, charge),
// with the entry's annotation (when set) restricting annotations.
func whitelisted(whitelist []defect.Name, name string, charge int, annotation string) bool {
	for _, w := range whitelist {
		if w.Name != name || w.Charge != charge {
			continue
		}
		if w.Annotation == "" || w.Annotation == annotation {
			return true
		}
	}
	return false
}
