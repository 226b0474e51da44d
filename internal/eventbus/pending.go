package eventbus

import "context"

// Pending is the eventual outcome of one responder.
type Pending[R any] struct {
	done chan struct{}
	val  R
	err  error
}

func newPending[R any]() *Pending[R] { return &Pending[R]{done: make(chan struct{})} }

func (p *Pending[R]) resolve(v R, err error) {
	p.val, p.err = v, err
	close(p.done)
}

// Done is closed once the responder has returned.
func (p *Pending[R]) Done() <-chan struct{} { return p.done }

// Wait blocks until the responder returns or ctx ends.
func (p *Pending[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Result pairs a responder's value with its error.
type Result[R any] struct {
	Value R
	Err   error
}

// AwaitAll waits for every pending result, preserving order.
func AwaitAll[R any](ctx context.Context, ps []*Pending[R]) []Result[R] {
	out := make([]Result[R], len(ps))
	for i, p := range ps {
		v, err := p.Wait(ctx)
		out[i] = Result[R]{Value: v, Err: err}
	}
	return out
}
