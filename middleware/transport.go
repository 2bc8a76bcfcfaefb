package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// DefaultCredentialHeader carries the access token.
const DefaultCredentialHeader = "X-Shopify-Access-Token"

// DefaultAPIVersion is the Admin API version used when only a shop domain
// is configured.
const DefaultAPIVersion = "2025-07"

// DefaultUserAgent is sent unless the request sets its own User-Agent.
const DefaultUserAgent = "costgate-go/1.0"

// RequestIDHeader is the response header the server uses to identify a
// request in its own logs.
const RequestIDHeader = "X-Request-Id"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// HTTPError is returned for non-2xx responses. It is never retried.
type HTTPError struct {
	StatusCode int
	Body       string
	Header     http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("graphql endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

// RequestID returns the server's request id, or "" if it sent none.
func (e *HTTPError) RequestID() string {
	return e.Header.Get(RequestIDHeader)
}

// GraphQLErrorsError is returned in strict mode when a response carries
// GraphQL errors. Response holds the full decoded response.
type GraphQLErrorsError struct {
	Response *Response
}

func (e *GraphQLErrorsError) Error() string {
	msgs := make([]string, 0, len(e.Response.Errors))
	for _, gqlErr := range e.Response.Errors {
		msgs = append(msgs, gqlErr.Message)
	}
	return "graphql errors: " + strings.Join(msgs, "; ")
}

// RequestID returns the server's request id, or "" if it sent none.
func (e *GraphQLErrorsError) RequestID() string {
	return e.Response.RequestID()
}

// RequestIDFromError returns the request id carried by an error returned
// from the transport, or "" if there is none.
func RequestIDFromError(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RequestID()
	}
	var gqlErr *GraphQLErrorsError
	if errors.As(err, &gqlErr) {
		return gqlErr.RequestID()
	}
	return ""
}

// TransportConfig configures an HTTPTransport.
type TransportConfig struct {
	Endpoint         string        // GraphQL endpoint URL; leave empty to build it from ShopDomain
	ShopDomain       string        // Shop domain, such as "myshop.myshopify.com"
	APIVersion       string        // Admin API version used with ShopDomain (default: 2025-07)
	Client           *http.Client  // Default: a client with Timeout
	Timeout          time.Duration // Default: 30 seconds
	CredentialHeader string        // Default: X-Shopify-Access-Token
	UserAgent        string        // Default: costgate-go/1.0

	// StrictErrors turns responses with GraphQL errors into *GraphQLErrorsError
	StrictErrors bool
}

// HTTPTransport posts GraphQL requests over HTTP. Its Do method is the
// final Handler of a chain.
type HTTPTransport struct {
	endpoint         string
	client           *http.Client
	credentialHeader string
	userAgent        string
	strict           bool
}

// AdminEndpoint returns the Admin GraphQL endpoint of a shop.
func AdminEndpoint(shopDomain, apiVersion string) string {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shopDomain, apiVersion)
}

// NewHTTPTransport creates a transport for config.
func NewHTTPTransport(config TransportConfig) (*HTTPTransport, error) {
	switch {
	case config.Endpoint != "" && config.ShopDomain != "":
		return nil, errors.New("set either an endpoint or a shop domain, not both")
	case config.ShopDomain != "":
		config.Endpoint = AdminEndpoint(config.ShopDomain, config.APIVersion)
	case config.Endpoint == "":
		return nil, errors.New("graphql endpoint cannot be empty")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Client == nil {
		config.Client = &http.Client{Timeout: config.Timeout}
	}
	if config.CredentialHeader == "" {
		config.CredentialHeader = DefaultCredentialHeader
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}

	return &HTTPTransport{
		endpoint:         config.Endpoint,
		client:           config.Client,
		credentialHeader: config.CredentialHeader,
		userAgent:        config.UserAgent,
		strict:           config.StrictErrors,
	}, nil
}

// Do sends req and decodes the response.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Header.Get(t.credentialHeader) != "" {
		return nil, errors.Errorf("%s must be set through Request.Credential", t.credentialHeader)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode graphql request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build graphql request")
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	if req.Credential != "" {
		httpReq.Header.Set(t.credentialHeader, req.Credential)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, "post graphql request")
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read graphql response")
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: httpResp.StatusCode, Body: string(data), Header: httpResp.Header}
	}

	resp, err := ParseResponse(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode graphql response")
	}
	resp.StatusCode = httpResp.StatusCode
	resp.Header = httpResp.Header

	if t.strict && len(resp.Errors) > 0 {
		return nil, &GraphQLErrorsError{Response: resp}
	}
	return resp, nil
}
