package instrument

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Input is one class to transform.
type Input struct {
	Name  string
	Bytes []byte
}

// Output is the outcome for one Input.
type Output struct {
	Name   string
	Bytes  []byte
	Result *Result
}

// TransformAll transforms inputs concurrently with at most workers
// goroutines (0 means GOMAXPROCS). Outputs are in input order. Per-class
// failures are reported in each Result; the returned error is only ever
// ctx.Err().
func (t *Transformer) TransformAll(ctx context.Context, inputs []Input, workers int) ([]Output, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]Output, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, in := range inputs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, res := t.Transform(in.Name, in.Bytes)
			out[i] = Output{Name: in.Name, Bytes: b, Result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary aggregates the results of a batch.
type Summary struct {
	Classes   int
	Rewritten int
	Unchanged int
	Malformed int
	Failed    int
	Stats     Stats
}

// Summarize aggregates outs.
func Summarize(outs []Output) Summary {
	s := Summary{Classes: len(outs)}
	for _, o := range outs {
		if o.Result == nil {
			continue
		}
		switch o.Result.Status {
		case StatusRewritten:
			s.Rewritten++
		case StatusUnchanged:
			s.Unchanged++
		case StatusMalformed:
			s.Malformed++
		default:
			s.Failed++
		}
		s.Stats.Add(o.Result.Stats)
	}
	return s
}
