// Package typeset lays out LaTeX math with an external engine and turns the
// result into SVG or PNG bytes.
//
// Two backends sit behind [Engine]. The built-in backend converts the formula
// to MathML with goldmark and goldmark-treeblood and lets headless Chrome lay
// it out. The native backend compiles the formula with a real TeX toolchain
// (latex + dvisvgm) and uses Chrome only to measure and rasterize the SVG.
// Either way a [Figure] holds one Chrome tab until it is closed.
package typeset

import (
	"context"
	"errors"
)

// ErrInvalidFormula marks markup the engine refused to typeset.
var ErrInvalidFormula = errors.New("invalid formula")

// Options selects how a formula is typeset.
type Options struct {
	// FontSize is the nominal font size in points.
	FontSize float64
	// Native selects the external TeX toolchain instead of the built-in
	// MathML renderer.
	Native bool
}

// Figure is a typeset formula held by the engine until Close is called.
type Figure interface {
	// SVG returns a standalone vector image cropped to the content.
	SVG(ctx context.Context) ([]byte, error)
	// PNG rasterizes the content at dpi, cropped to the content.
	PNG(ctx context.Context, dpi float64) ([]byte, error)
	// BBox returns the tight content box in device pixels.
	BBox(ctx context.Context) (width, height float64, err error)
	// Close releases the rendering resources. It is safe to call twice.
	Close() error
}

// FormulaError carries the engine's diagnostic for rejected markup.
type FormulaError struct {
	Detail string
}

func (e *FormulaError) Error() string {
	if e.Detail == "" {
		return ErrInvalidFormula.Error()
	}
	return ErrInvalidFormula.Error() + ": " + e.Detail
}

// Is reports whether target is ErrInvalidFormula.
func (e *FormulaError) Is(target error) bool {
	return target == ErrInvalidFormula
}
