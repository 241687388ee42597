// Package validation holds the request predicates shared by the HTTP handlers.
package validation

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MessageEmpty         = "Must not be empty"
	MessageInvalidEmail  = "Must be a valid email"
	MessagePasswordMatch = "Passwords must match"
	MessageWeakPassword  = "Password must be at least 6 characters"
	MessageLongPassword  = "Password must be at most 72 bytes"
)

var (
	fieldValidator = validator.New()

	imageMimetypes = map[string]struct{}{
		"image/jpeg": {},
		"image/png":  {},
		"image/gif":  {},
		"image/webp": {},
	}
)

// IsEmpty reports whether value has no non-whitespace characters.
func IsEmpty(value string) bool {
	return strings.TrimSpace(value) == ""
}

// IsEmail reports whether value is a syntactically valid email address.
func IsEmail(value string) bool {
	return fieldValidator.Var(strings.TrimSpace(value), "required,email") == nil
}

// IsImageMimetype reports whether mimetype names an accepted display picture format.
func IsImageMimetype(mimetype string) bool {
	base, _, _ := strings.Cut(mimetype, ";")
	_, ok := imageMimetypes[strings.ToLower(strings.TrimSpace(base))]
	return ok
}

// UserDetails carries the optional profile fields a user may edit.
type UserDetails struct {
	Bio      string `json:"bio"`
	Website  string `json:"website"`
	Location string `json:"location"`
}

// CleanUserDetails trims the supplied details and normalizes the website scheme.
// Empty fields stay empty so callers can tell them apart from edits.
func CleanUserDetails(details UserDetails) UserDetails {
	cleaned := UserDetails{
		Bio:      strings.TrimSpace(details.Bio),
		Website:  strings.TrimSpace(details.Website),
		Location: strings.TrimSpace(details.Location),
	}
	if cleaned.Website != "" && !strings.HasPrefix(cleaned.Website, "http://") && !strings.HasPrefix(cleaned.Website, "https://") {
		cleaned.Website = "http://" + cleaned.Website
	}
	return cleaned
}
