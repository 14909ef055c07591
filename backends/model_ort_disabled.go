//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/showo/options"
)

type ORTModel struct {
	Destroy func() error
}

func createORTModelBackend(_ *Model, _ *options.Options) error {
	return errors.New("ORT is not enabled")
}

func runORTModel(_ *Model, _ []Tensor) ([]Tensor, error) {
	return nil, errors.New("ORT is not enabled")
}
