package middleware

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/KanavDutta/costgate/pkg/costgate"
)

// ThrottledCode is the GraphQL error code reported when a query was
// rejected for lack of budget.
const ThrottledCode = "THROTTLED"

// Request is a GraphQL request flowing through the chain.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`

	// Credential authenticates the call and keys its budget
	Credential string `json:"-"`

	// Header holds extra HTTP headers sent with the request
	Header http.Header `json:"-"`

	// Cost is the expected query cost. Nil charges the unknown-cost default
	// until the server reports the real one.
	Cost *int `json:"-"`

	// Priority orders the request among waiting ones; lower goes first
	Priority int `json:"-"`
}

// Response is a decoded GraphQL response.
type Response struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     []GraphQLError  `json:"errors,omitempty"`
	Extensions *Extensions     `json:"extensions,omitempty"`

	StatusCode int         `json:"-"`
	Header     http.Header `json:"-"`
}

// GraphQLError is one entry of a response's errors array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Code returns extensions.code, or "" if absent.
func (e GraphQLError) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

// Extensions carries the cost report.
type Extensions struct {
	Cost *Cost `json:"cost,omitempty"`
}

// Cost is the query cost report attached to every response.
type Cost struct {
	RequestedQueryCost int `json:"requestedQueryCost"`

	// ActualQueryCost is null when the query was throttled
	ActualQueryCost *int `json:"actualQueryCost"`

	ThrottleStatus ThrottleStatus `json:"throttleStatus"`
}

// ThrottleStatus is the server's view of the bucket.
type ThrottleStatus struct {
	MaximumAvailable   float64 `json:"maximumAvailable"`
	CurrentlyAvailable float64 `json:"currentlyAvailable"`
	RestoreRate        float64 `json:"restoreRate"`
}

// ParseResponse decodes a GraphQL response body.
func ParseResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IsThrottled reports whether any error carries the THROTTLED code.
func (r *Response) IsThrottled() bool {
	if r == nil {
		return false
	}
	for _, e := range r.Errors {
		if e.Code() == ThrottledCode {
			return true
		}
	}
	return false
}

// RequestID returns the server's request id, or "" if it sent none.
func (r *Response) RequestID() string {
	if r == nil {
		return ""
	}
	return r.Header.Get(RequestIDHeader)
}

// Cost returns the cost report, or nil if the response has none.
func (r *Response) Cost() *Cost {
	if r == nil || r.Extensions == nil {
		return nil
	}
	return r.Extensions.Cost
}

// Feedback converts the cost report for the executor.
func (r *Response) Feedback() *costgate.Feedback {
	cost := r.Cost()
	if cost == nil {
		return nil
	}
	return &costgate.Feedback{
		RequestedCost: cost.RequestedQueryCost,
		ActualCost:    cost.ActualQueryCost,
		Maximum:       cost.ThrottleStatus.MaximumAvailable,
		Available:     cost.ThrottleStatus.CurrentlyAvailable,
		RefillRate:    cost.ThrottleStatus.RestoreRate,
	}
}
