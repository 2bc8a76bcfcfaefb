package middleware

import (
	"fmt"
	"strings"

	"github.com/KanavDutta/costgate/pkg/costgate"
)

// IdentityFunc extracts the identity whose budget a request spends.
type IdentityFunc func(*Request) (string, error)

// ExtractCredential uses the request's credential, i.e. the access token.
func ExtractCredential() IdentityFunc {
	return func(r *Request) (string, error) {
		if r.Credential == "" {
			return "", fmt.Errorf("%w: request has no credential", costgate.ErrMissingIdentity)
		}
		return r.Credential, nil
	}
}

// ExtractHeader uses a specific header of the request.
// Example: ExtractHeader("X-Shopify-Access-Token")
func ExtractHeader(headerName string) IdentityFunc {
	return func(r *Request) (string, error) {
		value := r.Header.Get(headerName)
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", costgate.ErrMissingIdentity, headerName)
		}
		return fmt.Sprintf("header:%s:%s", headerName, value), nil
	}
}

// ExtractBearer uses the Bearer token from the Authorization header.
func ExtractBearer() IdentityFunc {
	return func(r *Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header not found", costgate.ErrMissingIdentity)
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			return "", fmt.Errorf("%w: Authorization header is not a Bearer token", costgate.ErrMissingIdentity)
		}

		token := strings.TrimSpace(auth[len(prefix):])
		if token == "" {
			return "", fmt.Errorf("%w: empty Bearer token", costgate.ErrMissingIdentity)
		}
		return "bearer:" + token, nil
	}
}

// ExtractComposite tries each extractor in order and returns the first success.
//
// Example:
//
//	ExtractComposite(
//	    ExtractCredential(),
//	    ExtractBearer(),
//	)
func ExtractComposite(extractors ...IdentityFunc) IdentityFunc {
	return func(r *Request) (string, error) {
		var lastErr error
		for _, extractor := range extractors {
			identity, err := extractor(r)
			if err == nil {
				return identity, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", fmt.Errorf("all extractors failed, last error: %w", lastErr)
		}
		return "", fmt.Errorf("%w: no extractors provided", costgate.ErrMissingIdentity)
	}
}
