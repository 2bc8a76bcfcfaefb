package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/KanavDutta/costgate/pkg/costgate"
)

// PriorityFunc computes a request's priority. Lower values go first.
type PriorityFunc func(*Request) int

// RequestPriority uses Request.Priority, which is 0 unless set.
func RequestPriority() PriorityFunc {
	return func(r *Request) int {
		return r.Priority
	}
}

// ConstantPriority gives every request the same priority, i.e. FIFO order.
func ConstantPriority(priority int) PriorityFunc {
	return func(*Request) int {
		return priority
	}
}

// Runner is the part of costgate.Executor the rate-limit stage needs.
type Runner interface {
	Run(ctx context.Context, identity string, cost, priority int, op costgate.Operation) (costgate.Outcome, error)
}

// RateLimitConfig configures the rate-limit stage.
type RateLimitConfig struct {
	Identity IdentityFunc // Default: ExtractCredential()
	Priority PriorityFunc // Default: RequestPriority()
}

// RateLimit returns a stage that admits each request against its
// identity's budget, reconciles with the response's cost report and
// retries throttled responses.
func RateLimit(runner Runner, config RateLimitConfig) (Stage, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner cannot be nil", costgate.ErrInvalidConfig)
	}
	if config.Identity == nil {
		config.Identity = ExtractCredential()
	}
	if config.Priority == nil {
		config.Priority = RequestPriority()
	}

	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		identity, err := config.Identity(req)
		if err != nil {
			return nil, err
		}

		cost := 0
		if req.Cost != nil {
			cost = *req.Cost
			if cost <= 0 {
				return nil, fmt.Errorf("%w: got %d", costgate.ErrInvalidCost, cost)
			}
		}

		var last *Response
		_, err = runner.Run(ctx, identity, cost, config.Priority(req), func(ctx context.Context, _ int) (costgate.Outcome, error) {
			resp, err := next(ctx, req)
			if err != nil {
				var gqlErr *GraphQLErrorsError
				if errors.As(err, &gqlErr) && gqlErr.Response.IsThrottled() {
					last = gqlErr.Response
					return costgate.Outcome{}, &costgate.ThrottledError{Feedback: gqlErr.Response.Feedback(), Err: err}
				}
				return costgate.Outcome{}, err
			}
			last = resp
			return costgate.Outcome{Feedback: resp.Feedback(), Throttled: resp.IsThrottled()}, nil
		})
		if err != nil {
			// Surface the transport's own error rather than the retry wrapper
			var throttled *costgate.ThrottledError
			if errors.As(err, &throttled) && throttled.Err != nil {
				return last, throttled.Err
			}
			return nil, err
		}
		return last, nil
	}, nil
}
