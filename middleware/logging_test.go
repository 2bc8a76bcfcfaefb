package middleware

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/costgate/pkg/costgate"
)

func TestLogging(t *testing.T) {
	tests := []struct {
		name      string
		resp      string
		err       error
		wantLevel logrus.Level
		wantMsg   string
	}{
		{name: "completed", resp: successBody, wantLevel: logrus.DebugLevel, wantMsg: "graphql request completed"},
		{name: "throttled", resp: throttledBody, wantLevel: logrus.WarnLevel, wantMsg: "graphql request throttled"},
		{name: "failed", err: errors.New("boom"), wantLevel: logrus.ErrorLevel, wantMsg: "graphql request failed"},
		{name: "cancelled", err: context.Canceled, wantLevel: logrus.DebugLevel, wantMsg: "graphql request cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := logtest.NewNullLogger()
			logger.SetLevel(logrus.DebugLevel)

			final := func(context.Context, *Request) (*Response, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return mustParse(t, tt.resp), nil
			}

			_, _ = Chain(final, Logging(logger))(context.Background(), &Request{
				OperationName: "Shop",
				Credential:    "shpat_secret",
			})

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, tt.wantLevel, entry.Level)
			assert.Equal(t, tt.wantMsg, entry.Message)
			assert.Equal(t, "Shop", entry.Data["operation"])
			assert.Equal(t, costgate.Fingerprint("shpat_secret"), entry.Data["identity"])
		})
	}
}

func TestLogging_RequestID(t *testing.T) {
	header := http.Header{}
	header.Set(RequestIDHeader, "req-7")

	tests := []struct {
		name  string
		final Handler
	}{
		{name: "response", final: func(context.Context, *Request) (*Response, error) {
			return &Response{Header: header}, nil
		}},
		{name: "http error", final: func(context.Context, *Request) (*Response, error) {
			return nil, &HTTPError{StatusCode: 500, Header: header}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := logtest.NewNullLogger()
			logger.SetLevel(logrus.DebugLevel)

			_, _ = Chain(tt.final, Logging(logger))(context.Background(), &Request{})

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, "req-7", entry.Data["request_id"])
		})
	}
}
