package errors

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"

	"teth/internal/logging"
)

// Client-facing messages for errors whose detail stays in the server log.
const (
	MsgInternal    = "internal error"
	MsgTimeout     = "request timed out"
	MsgUnavailable = "dependency unavailable"
)

var absPathPattern = regexp.MustCompile(`(?:/[\w\-.]+){2,}`)

// Sanitizer turns errors into messages safe to return to HTTP clients.
// Credentials are always masked. In production mode only validation
// failures keep their text; everything else collapses to a fixed message.
type Sanitizer struct {
	production bool
}

// NewSanitizer creates a Sanitizer.
func NewSanitizer(production bool) *Sanitizer {
	return &Sanitizer{production: production}
}

// Production reports whether detail is hidden from clients.
func (s *Sanitizer) Production() bool {
	return s != nil && s.production
}

// Message returns the client-facing text for err.
func (s *Sanitizer) Message(err error) string {
	if err == nil {
		return ""
	}
	if IsValidation(err) {
		return Redact(err.Error())
	}
	if !s.Production() {
		return Redact(err.Error())
	}

	var unreachable *UnreachableDependencyError
	switch {
	case errors.As(err, &unreachable):
		return MsgUnavailable + ": " + unreachable.Service
	case errors.Is(err, context.DeadlineExceeded):
		return MsgTimeout
	}
	return MsgInternal
}

// Redact masks credentials and trims absolute paths to their base name.
func Redact(s string) string {
	s = logging.MaskSensitivePatterns(s)
	return absPathPattern.ReplaceAllStringFunc(s, filepath.Base)
}
