package auth

import (
	"errors"
	"strings"
)

const bearerPrefix = "Bearer "

var (
	// ErrMissingBearerToken indicates the Authorization header was absent.
	ErrMissingBearerToken = errors.New("auth: authorization header missing")
	// ErrMalformedBearerToken indicates the Authorization header was not a bearer credential.
	ErrMalformedBearerToken = errors.New("auth: authorization header malformed")
)

// ExtractBearerToken returns the token carried by an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", ErrMissingBearerToken
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrMalformedBearerToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", ErrMalformedBearerToken
	}
	return token, nil
}
