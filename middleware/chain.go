package middleware

import "context"

// Handler executes a request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Stage intercepts a request and decides when and how often to call next.
type Stage func(ctx context.Context, req *Request, next Handler) (*Response, error)

// Chain composes stages around final. The first stage is the outermost.
func Chain(final Handler, stages ...Stage) Handler {
	h := final
	for i := len(stages) - 1; i >= 0; i-- {
		stage, next := stages[i], h
		h = func(ctx context.Context, req *Request) (*Response, error) {
			return stage(ctx, req, next)
		}
	}
	return h
}
