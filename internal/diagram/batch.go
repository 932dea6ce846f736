package diagram

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/defect-levels/internal/envelope"
	"github.com/talgya/defect-levels/internal/filter"
)

// BuildAll solves every configuration in the view concurrently, at most
// workers at a time (workers ≤ 0 means unbounded). Configurations are
// independent, so the first error cancels the rest and is returned.
func BuildAll(ctx context.Context, view *filter.View, dom Domain, eps float64, workers int) (map[string]*Profile, error) {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	var mu sync.Mutex
	profiles := make(map[string]*Profile, len(view.Energies))

	for _, name := range view.Names() {
		name := name
		lines := make([]envelope.Line, 0, len(view.Energies[name]))
		for _, q := range view.Charges(name) {
			lines = append(lines, envelope.Line{Charge: q, Energy: view.Energies[name][q].Energy})
		}
		if len(lines) == 0 {
			slog.Warn("configuration has no charge lines, skipped", "name", name)
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := Build(name, lines, dom, eps)
			if err != nil {
				return err
			}
			mu.Lock()
			profiles[name] = p
			mu.Unlock()
			slog.Debug("diagram built",
				"name", name,
				"charges", len(lines),
				"transitions", len(p.Transitions))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return profiles, nil
}
