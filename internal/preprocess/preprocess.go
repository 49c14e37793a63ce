// Package preprocess prepares raw template inputs before alignment.
package preprocess

import (
	"context"
	"fmt"
	"strings"

	"bifrost/internal/engine"
	"bifrost/internal/services"
	"bifrost/internal/volume"
)

// Method names accepted by New.
const (
	MethodNone     = "none"
	MethodEqualize = "equalize"
)

// Copy stores the input unchanged in the working format.
type Copy struct {
	IO volume.IO
}

func (c Copy) Preprocess(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := c.IO.Read(src)
	if err != nil {
		return services.Wrap(services.ErrValidation, "preprocess", "read", src, err)
	}
	return c.IO.Write(dst, v)
}

// Equalize rescales the input to [0, 1] and applies CLAHE.
type Equalize struct {
	IO    volume.IO
	CLAHE CLAHE
}

func (e Equalize) Preprocess(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := e.IO.Read(src)
	if err != nil {
		return services.Wrap(services.ErrValidation, "preprocess", "read", src, err)
	}
	return e.IO.Write(dst, e.CLAHE.Apply(v))
}

// New returns the preprocessor registered under method.
func New(method string, io volume.IO, clahe CLAHE) (engine.Preprocessor, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", MethodNone:
		return Copy{IO: io}, nil
	case MethodEqualize, "clahe":
		if clahe.ClipLimit <= 0 {
			clahe.ClipLimit = DefaultClipLimit
		}
		return Equalize{IO: io, CLAHE: clahe}, nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "preprocess", "select",
			fmt.Sprintf("unsupported preprocessing %q (want %s or %s)", method, MethodNone, MethodEqualize), nil)
	}
}
