// Package classifier turns a still frame into a drive decision.
package classifier

import (
	"context"
	"errors"
	"image"

	"github.com/oomwoo/raspberry-pi/internal/link"
)

// ErrShape is returned when model parameters do not match the input geometry
// or the class list.
var ErrShape = errors.New("classifier shape mismatch")

// Classifier maps an image to a drive decision. Implementations are loaded
// once and treated as stateless afterwards.
type Classifier interface {
	Infer(ctx context.Context, img image.Image) (link.Label, error)
}

// Constant always answers Label, or Err when set. Dev mode drives with it.
type Constant struct {
	Label link.Label
	Err   error
}

func (c Constant) Infer(ctx context.Context, _ image.Image) (link.Label, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.Err != nil {
		return 0, c.Err
	}
	return c.Label, nil
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, img image.Image) (link.Label, error)

func (f Func) Infer(ctx context.Context, img image.Image) (link.Label, error) {
	return f(ctx, img)
}
