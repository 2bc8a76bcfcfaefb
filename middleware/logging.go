package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KanavDutta/costgate/pkg/costgate"
)

// Logging returns a stage that logs each request's duration and outcome.
// Place it outside the rate-limit stage to include admission waits.
func Logging(logger logrus.FieldLogger) Stage {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		fields := logrus.Fields{
			"operation": req.OperationName,
			"priority":  req.Priority,
			"duration":  time.Since(start),
		}
		if req.Credential != "" {
			fields["identity"] = costgate.Fingerprint(req.Credential)
		}
		if id := resp.RequestID(); id != "" {
			fields["request_id"] = id
		} else if id := RequestIDFromError(err); id != "" {
			fields["request_id"] = id
		}
		if cost := resp.Cost(); cost != nil {
			fields["requested_cost"] = cost.RequestedQueryCost
			if cost.ActualQueryCost != nil {
				fields["actual_cost"] = *cost.ActualQueryCost
			}
			fields["available"] = cost.ThrottleStatus.CurrentlyAvailable
		}
		entry := logger.WithFields(fields)

		switch {
		case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			entry.WithError(err).Debug("graphql request cancelled")
		case err != nil:
			entry.WithError(err).Error("graphql request failed")
		case resp.IsThrottled():
			entry.Warn("graphql request throttled")
		default:
			entry.Debug("graphql request completed")
		}
		return resp, err
	}
}
