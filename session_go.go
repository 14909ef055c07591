package showo

import (
	"github.com/knights-analytics/showo/options"
)

// NewGoSession returns a session running graphs with the pure Go backend.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
