package extraction

import (
	"errors"
	"fmt"
)

// ErrInvalidContactNumber is returned by NormalizeContactNumber for numbers
// with fewer than MinContactDigits digits.
var ErrInvalidContactNumber = errors.New("contact number is incomplete")

// ConfigurationError reports that the model backend cannot be used at all.
// It is the only failure Process returns to its caller.
type ConfigurationError struct {
	Provider string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("model backend %q is not configured: %v", e.Provider, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
