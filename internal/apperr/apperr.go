// Package apperr defines the error taxonomy shared by the fetchers and the map composer.
//
// Fetch-stage errors carry the provider, operation and query parameters so a caller
// can report enough context to retry by hand. All types unwrap to their cause and are
// matched with errors.As.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidQuery is returned when a query is rejected before (or by) the provider
// because its parameters are malformed.
var ErrInvalidQuery = eris.New("invalid query")

// Kind names an error category for logging and HTTP status mapping.
type Kind string

const (
	KindNone             Kind = ""
	KindNetwork          Kind = "network"
	KindDataFormat       Kind = "data_format"
	KindAuthentication   Kind = "authentication"
	KindCoordinateSystem Kind = "coordinate_system"
	KindInvalidQuery     Kind = "invalid_query"
	KindInternal         Kind = "internal"
)

// Context identifies the provider call that failed.
type Context struct {
	Provider string
	Op       string
	Params   map[string]string
}

func (c Context) String() string {
	var b strings.Builder
	b.WriteString(c.Provider)
	if c.Op != "" {
		b.WriteString(" ")
		b.WriteString(c.Op)
	}
	if len(c.Params) > 0 {
		keys := make([]string, 0, len(c.Params))
		for k := range c.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%s", k, c.Params[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

// NetworkError reports that a provider could not be reached or kept failing.
// StatusCode is zero for transport-level failures.
type NetworkError struct {
	Context
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error: %s: http %d: %v", e.Context, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error: %s: %v", e.Context, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DataFormatError reports a response that does not match the expected schema.
type DataFormatError struct {
	Context
	Err error
}

func (e *DataFormatError) Error() string {
	return fmt.Sprintf("data format error: %s: %v", e.Context, e.Err)
}

func (e *DataFormatError) Unwrap() error { return e.Err }

// AuthenticationError reports missing or rejected provider credentials.
type AuthenticationError struct {
	Context
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error: %s: %v", e.Context, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// CoordinateSystemError reports georeferencing that cannot be aligned with
// geographic coordinates.
type CoordinateSystemError struct {
	CRS     string
	Subject string
	Err     error
}

func (e *CoordinateSystemError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("coordinate system error: %s (crs %q): %v", e.Subject, e.CRS, e.Err)
	}
	return fmt.Sprintf("coordinate system error: crs %q: %v", e.CRS, e.Err)
}

func (e *CoordinateSystemError) Unwrap() error { return e.Err }

// Network builds a NetworkError.
func Network(ctx Context, status int, err error) *NetworkError {
	return &NetworkError{Context: ctx, StatusCode: status, Err: err}
}

// DataFormat builds a DataFormatError.
func DataFormat(ctx Context, err error) *DataFormatError {
	return &DataFormatError{Context: ctx, Err: err}
}

// Authentication builds an AuthenticationError.
func Authentication(ctx Context, status int, err error) *AuthenticationError {
	return &AuthenticationError{Context: ctx, StatusCode: status, Err: err}
}

// CoordinateSystem builds a CoordinateSystemError.
func CoordinateSystem(crs, subject string, err error) *CoordinateSystemError {
	return &CoordinateSystemError{CRS: crs, Subject: subject, Err: err}
}

// InvalidQuery wraps ErrInvalidQuery with a description of what was wrong.
func InvalidQuery(format string, args ...any) error {
	return eris.Wrapf(ErrInvalidQuery, format, args...)
}

// KindOf classifies err. It returns KindNone for nil and KindInternal for errors
// outside the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		ne  *NetworkError
		de  *DataFormatError
		ae  *AuthenticationError
		cse *CoordinateSystemError
	)
	switch {
	case errors.As(err, &ae):
		return KindAuthentication
	case errors.As(err, &cse):
		return KindCoordinateSystem
	case errors.As(err, &de):
		return KindDataFormat
	case errors.As(err, &ne):
		return KindNetwork
	case errors.Is(err, ErrInvalidQuery):
		return KindInvalidQuery
	default:
		return KindInternal
	}
}
