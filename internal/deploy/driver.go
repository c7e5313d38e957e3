package deploy

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/deploy-flake/internal/logging"
)

// Driver runs one pipeline per destination concurrently. A failing
// destination does not stop the others; every pipeline runs to its own end.
type Driver struct {
	Pipeline *Pipeline
	// MaxParallel bounds concurrent pipelines; zero means no bound.
	MaxParallel int
	// Done, if set, is called with each result as its pipeline finishes. It
	// may be called from several goroutines at once.
	Done func(Result)
}

// Run deploys to every destination and returns their results in input
// order along with the first failure to happen, if any.
func (d *Driver) Run(ctx context.Context, dests []Destination) ([]Result, error) {
	results := make([]Result, len(dests))
	var g errgroup.Group
	if d.MaxParallel > 0 {
		g.SetLimit(d.MaxParallel)
	}
	for i, dest := range dests {
		g.Go(func() error {
			res := d.Pipeline.Run(ctx, dest)
			results[i] = res
			if d.Done != nil {
				d.Done(res)
			}
			return res.Err
		})
	}
	err := g.Wait()
	d.summarize(results)
	return results, err
}

func (d *Driver) summarize(results []Result) {
	log := d.Pipeline.Log
	if log == nil {
		log = logging.Nop()
	}
	narr := log.Narration()
	for _, r := range results {
		ev := narr.Info()
		if r.Err != nil {
			ev = narr.Error().Err(r.Err)
		}
		ev.Str("host", r.Destination.Host).
			Stringer("state", r.State).
			Dur("elapsed", r.Finished.Sub(r.Started)).
			Msg("Destination finished")
	}
}
