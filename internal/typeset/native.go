package typeset

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// nativeDocument is compiled with latex. The standalone class crops the
// page to the formula.
const nativeDocument = `\documentclass[preview,border=1pt]{standalone}
\usepackage{amsmath}
\usepackage{amssymb}
\begin{document}
%s
\end{document}
`

var xmlProlog = regexp.MustCompile(`(?s)^\s*<\?xml.*?\?>\s*`)

// Compiler runs the external TeX toolchain.
type Compiler struct {
	LatexPath   string
	DvisvgmPath string
}

// Compile typesets markup with latex and converts the DVI to SVG scaled to
// fontSize points (the document is set at 10pt).
func (c *Compiler) Compile(ctx context.Context, markup string, fontSize float64) ([]byte, error) {
	dir, err := os.MkdirTemp("", "texbot-latex-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create latex work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "formula.tex")
	if err := os.WriteFile(src, fmt.Appendf(nil, nativeDocument, markup), 0o600); err != nil {
		return nil, err
	}

	latex := exec.CommandContext(ctx, c.LatexPath,
		"-interaction=nonstopmode",
		"-halt-on-error",
		"-no-shell-escape",
		"-output-directory="+dir,
		src,
	)
	latex.Dir = dir
	latex.Env = append(os.Environ(), "openin_any=p", "openout_any=p", "shell_escape=f")
	var latexOut bytes.Buffer
	latex.Stdout = &latexOut
	latex.Stderr = &latexOut
	if err := latex.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &FormulaError{Detail: texDiagnostic(latexOut.Bytes())}
		}
		return nil, fmt.Errorf("run latex: %w", err)
	}

	out := filepath.Join(dir, "formula.svg")
	dvisvgm := exec.CommandContext(ctx, c.DvisvgmPath,
		"--no-fonts",
		"--exact-bbox",
		"--scale="+strconv.FormatFloat(fontSize/10, 'f', 3, 64),
		"--output="+out,
		filepath.Join(dir, "formula.dvi"),
	)
	dvisvgm.Dir = dir
	if msg, err := dvisvgm.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("run dvisvgm: %w: %s", err, strings.TrimSpace(string(msg)))
	}

	svg, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read dvisvgm output: %w", err)
	}
	return xmlProlog.ReplaceAll(svg, nil), nil
}

// texDiagnostic picks the first error line ("! ...") from TeX output.
func texDiagnostic(log []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(log))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "! ") {
			return strings.TrimPrefix(line, "! ")
		}
	}
	return "latex failed"
}
