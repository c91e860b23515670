package commands

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned by Lookup and Validate for methods that are
// not in the registry.
var ErrUnknownCommand = errors.New("unknown command")

// ValidationError reports params that do not satisfy a command's schema.
// Fields holds the offending instance locations as JSON pointers.
type ValidationError struct {
	Method string
	Reason string
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid params for %s: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("invalid params for %s (%s): %s", e.Method, strings.Join(e.Fields, ", "), e.Reason)
}

func unknown(method string) error {
	return fmt.Errorf("%w: %s", ErrUnknownCommand, method)
}
