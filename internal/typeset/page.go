package typeset

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strconv"
)

// contentPadding keeps an empty MathML formula from collapsing to a
// zero-sized box. Native SVG carries its own border and is laid out unpadded
// so the measured box is the SVG's own extent.
const contentPadding = "2px"

var (
	svgRootTag = regexp.MustCompile(`<svg\b[^>]*>`)
	svgSizeRe  = regexp.MustCompile(`\s(?:width|height)=(?:'[^']*'|"[^"]*")`)
)

const pageTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><style>
html, body { margin: 0; padding: 0; background: #fff; width: max-content; }
#formula { display: inline-block; white-space: nowrap; padding: %[1]s; color: #000; font-size: %[2]spt; font-family: %[3]s; }
#formula math { font-family: %[3]s; margin: 0; }
#formula svg { display: block; }
</style></head><body><div id="formula">%[4]s</div></body></html>`

const svgTemplate = `<svg xmlns="http://www.w3.org/2000/svg" width="%[1]d" height="%[2]d" viewBox="0 0 %[1]d %[2]d">` +
	`<rect width="100%%" height="100%%" fill="#fff"/>` +
	`<foreignObject x="0" y="0" width="%[1]d" height="%[2]d">` +
	`<div xmlns="http://www.w3.org/1999/xhtml" style="%[3]s">%[4]s</div>` +
	`</foreignObject></svg>`

func formatPoints(size float64) string {
	return strconv.FormatFloat(size, 'f', -1, 64)
}

// buildPage returns the HTML document that lays out content in #formula.
// The math font is a process-wide setting fixed when the engine is built.
func buildPage(content string, fontSize float64, mathFont string, native bool) string {
	padding := contentPadding
	if native {
		padding = "0"
	}
	return fmt.Sprintf(pageTemplate, padding, formatPoints(fontSize), mathFont, content)
}

// fitSVG sets the root width and height of svg to the measured pixel size.
// dvisvgm writes them in points; the viewBox keeps the drawing scaled.
func fitSVG(svg []byte, width, height int) []byte {
	loc := svgRootTag.FindIndex(svg)
	if loc == nil {
		return svg
	}
	tag := svgSizeRe.ReplaceAll(svg[loc[0]:loc[1]], nil)

	var out bytes.Buffer
	out.Grow(len(svg) + 32)
	out.Write(svg[:loc[0]])
	fmt.Fprintf(&out, `<svg width="%d" height="%d"`, width, height)
	out.Write(tag[len("<svg"):])
	out.Write(svg[loc[1]:])
	return out.Bytes()
}

// standaloneSVG wraps MathML in an SVG document of the measured size.
func standaloneSVG(mathml string, width, height int, fontSize float64, mathFont string) []byte {
	style := fmt.Sprintf("display:inline-block;white-space:nowrap;padding:%s;color:#000;font-size:%spt;font-family:%s",
		contentPadding, formatPoints(fontSize), mathFont)
	return fmt.Appendf(nil, svgTemplate, width, height, html.EscapeString(style), mathml)
}
