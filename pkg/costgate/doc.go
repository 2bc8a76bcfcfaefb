// Package costgate provides client-side admission control for APIs that
// own a replenishing cost budget and report its state with every response.
//
// Each identity (usually an API credential) gets its own token bucket. Calls
// wait until the bucket estimates enough tokens for their cost, are served
// strictly by priority, and the bucket is corrected from the server's
// feedback after every call. Throttled calls are retried a bounded number of
// times.
//
// # Quick Start
//
//	exec, err := costgate.NewExecutor(
//	    costgate.WithDefaults(1000, 50), // 1000 points, 50/sec restore
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	outcome, err := exec.Run(ctx, apiKey, 120, 0, func(ctx context.Context, cost int) (costgate.Outcome, error) {
//	    resp, err := client.Do(ctx, query)
//	    if err != nil {
//	        return costgate.Outcome{}, err
//	    }
//	    return costgate.Outcome{Feedback: resp.Cost(), Throttled: resp.Throttled()}, nil
//	})
//
// # Priorities
//
// Lower priority values are served first; equal priorities keep arrival
// order. A call never overtakes a queued call of better priority, even if
// its own cost would fit.
//
// # Reconciliation
//
// After each call the bucket is set to the smaller of the server's reported
// availability and the local estimate plus any refund (requested minus
// actual cost). The server cannot see calls this process fired after it
// answered, so the local estimate caps it.
//
// # Configuration
//
//	exec, err := costgate.NewExecutor(
//	    costgate.WithConfigFile("costgate.yaml"),
//	)
//
// Example YAML configuration:
//
//	defaults:
//	  maximum: 1000
//	  refill_rate: 50
//	  unknown_cost: 50
//
//	idle_timeout: "5m"
//	sweep_interval: "5m"
//	max_attempts: 3
//	throttle_backoff: "1s"
//
// Files ending in .toml are decoded as TOML with the same keys.
//
// # Concurrency
//
// All operations are safe for concurrent use. Each bucket runs a dispatch
// goroutine only while callers are queued on it. Cancellation is driven by
// the caller's context; a cancelled waiter never consumes tokens.
//
// See the middleware package for a GraphQL interceptor chain built on top
// of the executor.
package costgate
