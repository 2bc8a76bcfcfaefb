// Package upstream simulates a GraphQL API that owns a query-cost budget
// per access token, throttles calls that do not fit and reports its state
// in every response.
package upstream

import (
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/KanavDutta/costgate/core"
	"github.com/KanavDutta/costgate/middleware"
)

// Config for creating a simulated upstream
type Config struct {
	Maximum     float64            // Budget per token (default: 1000)
	RestoreRate float64            // Points restored per second (default: 50)
	Logger      logrus.FieldLogger // Default: logrus.StandardLogger()
}

// Server is an http.Handler serving the simulated API.
type Server struct {
	mu      sync.Mutex
	buckets map[string]core.Capacity

	maximum float64
	restore float64
	now     func() time.Time
	logger  logrus.FieldLogger

	served    atomic.Int64
	throttled atomic.Int64
}

// Stats summarizes what the upstream saw
type Stats struct {
	Served    int64 `json:"served"`
	Throttled int64 `json:"throttled"`
}

// New creates a simulated upstream
func New(config Config) *Server {
	if config.Maximum <= 0 {
		config.Maximum = 1000
	}
	if config.RestoreRate <= 0 {
		config.RestoreRate = 50
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	return &Server{
		buckets: make(map[string]core.Capacity),
		maximum: config.Maximum,
		restore: config.RestoreRate,
		now:     time.Now,
		logger:  config.Logger,
	}
}

// QueryCost is the cost the upstream charges up front: two points for the
// query plus one per requested item.
func QueryCost(req *middleware.Request) int {
	first := 10
	if v, ok := req.Variables["first"].(float64); ok && v >= 0 {
		first = int(v)
	}
	return 2 + first
}

// ActualCost is what a query really consumes once it ran: only half of the
// requested items exist.
func ActualCost(requested int) int {
	return 2 + (requested-2)/2
}

// ServeHTTP handles POST /graphql
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.Header.Get(middleware.DefaultCredentialHeader)
	if token == "" {
		s.write(w, http.StatusUnauthorized, middleware.Response{
			Errors: []middleware.GraphQLError{{Message: "[API] Invalid API key or access token"}},
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	var req middleware.Request
	if err := json.Unmarshal(body, &req); err != nil || req.Query == "" {
		s.write(w, http.StatusBadRequest, middleware.Response{
			Errors: []middleware.GraphQLError{{Message: "invalid GraphQL request"}},
		})
		return
	}

	requested := QueryCost(&req)
	resp, ok := s.charge(token, requested)
	if !ok {
		s.throttled.Add(1)
		s.logger.WithField("requested", requested).Debug("upstream throttled query")
	} else {
		s.served.Add(1)
	}
	s.write(w, http.StatusOK, resp)
}

// charge applies a query to the token's bucket and builds the response.
func (s *Server) charge(token string, requested int) (middleware.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, exists := s.buckets[token]
	if !exists {
		c = core.Capacity{Maximum: s.maximum, RefillRate: s.restore, Available: s.maximum, UpdatedAt: now}
	}

	next, res := c.Take(float64(requested), now)
	if !res.OK {
		s.buckets[token] = c
		return middleware.Response{
			Errors: []middleware.GraphQLError{{
				Message:    "Throttled",
				Extensions: map[string]any{"code": middleware.ThrottledCode},
			}},
			Extensions: s.costReport(requested, nil, res.Remaining),
		}, false
	}

	actual := ActualCost(requested)
	next = next.WithAvailable(next.Available+float64(requested-actual), now)
	s.buckets[token] = next

	data, _ := json.Marshal(map[string]any{
		"products": map[string]any{"count": requested - 2},
	})
	return middleware.Response{
		Data:       data,
		Extensions: s.costReport(requested, &actual, next.Available),
	}, true
}

func (s *Server) costReport(requested int, actual *int, available float64) *middleware.Extensions {
	return &middleware.Extensions{Cost: &middleware.Cost{
		RequestedQueryCost: requested,
		ActualQueryCost:    actual,
		ThrottleStatus: middleware.ThrottleStatus{
			MaximumAvailable:   s.maximum,
			CurrentlyAvailable: available,
			RestoreRate:        s.restore,
		},
	}}
}

func (s *Server) write(w http.ResponseWriter, status int, resp middleware.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(middleware.RequestIDHeader, uuid.NewString())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Stats returns how many queries were served and throttled
func (s *Server) Stats() Stats {
	return Stats{Served: s.served.Load(), Throttled: s.throttled.Load()}
}
