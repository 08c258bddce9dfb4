package typeset

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	treeblood "github.com/wyatt915/goldmark-treeblood"
	"github.com/yuin/goldmark"
)

const mathMLNamespace = "http://www.w3.org/1998/Math/MathML"

var (
	mathElement  = regexp.MustCompile(`(?s)<math\b.*?</math>`)
	mathErrorTag = regexp.MustCompile(`(?s)<merror\b[^>]*>(.*?)</merror>`)
	anyTag       = regexp.MustCompile(`<[^>]+>`)
)

// mathMarkdown is shared by all conversions; goldmark converters are safe
// for concurrent use.
var mathMarkdown = goldmark.New(
	goldmark.WithExtensions(
		treeblood.MathML(),
	),
)

// Body strips the math-mode delimiters from markup.
func Body(markup string) string {
	s := strings.TrimSpace(markup)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, "$")
	return s
}

// ToMathML converts math-mode markup (`$ ... $`) into a single MathML
// element.
func ToMathML(markup string) (string, error) {
	body := strings.Join(strings.Fields(Body(markup)), " ")
	if body == "" {
		return `<math xmlns="` + mathMLNamespace + `" display="block"><mrow></mrow></math>`, nil
	}

	if err := checkGroups(body); err != nil {
		return "", err
	}

	// Display math keeps the converter from reading the formula as
	// markdown inline text.
	source := "$$ " + body + " $$"

	var buf bytes.Buffer
	if err := mathMarkdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("mathml conversion: %w", err)
	}
	return extractMath(buf.String())
}

// extractMath pulls the <math> element out of converter output. An <merror>
// anywhere in it means the converter rejected the formula.
func extractMath(out string) (string, error) {
	if m := mathErrorTag.FindStringSubmatch(out); m != nil {
		detail := strings.TrimSpace(html.UnescapeString(anyTag.ReplaceAllString(m[1], "")))
		return "", &FormulaError{Detail: detail}
	}
	math := mathElement.FindString(out)
	if math == "" {
		return "", &FormulaError{Detail: "no math produced"}
	}
	if !strings.Contains(math[:strings.Index(math, ">")], "xmlns") {
		math = `<math xmlns="` + mathMLNamespace + `"` + strings.TrimPrefix(math, "<math")
	}
	return math, nil
}

// checkGroups rejects unbalanced braces, \left/\right pairs and
// environments with the message TeX itself would print.
func checkGroups(body string) error {
	type group struct{ kind, name string }
	var stack []group
	pop := func(kind, name string) error {
		if len(stack) == 0 {
			switch kind {
			case "{":
				return &FormulaError{Detail: "Extra }, or forgotten $."}
			case "left":
				return &FormulaError{Detail: `Extra \right.`}
			}
			return &FormulaError{Detail: `\end{` + name + `} without \begin.`}
		}
		top := stack[len(stack)-1]
		if top.kind != kind || top.name != name {
			return &FormulaError{Detail: unclosed(top.kind, top.name)}
		}
		stack = stack[:len(stack)-1]
		return nil
	}

	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{':
			stack = append(stack, group{kind: "{"})
		case '}':
			if err := pop("{", ""); err != nil {
				return err
			}
		case '\\':
			j := i + 1
			for j < len(body) && isLetter(body[j]) {
				j++
			}
			if j == i+1 {
				// Control symbol such as \{ or \\.
				i++
				continue
			}
			word := body[i+1 : j]
			i = j - 1
			switch word {
			case "left":
				stack = append(stack, group{kind: "left"})
			case "right":
				if err := pop("left", ""); err != nil {
					return err
				}
			case "begin", "end":
				name, end, ok := envName(body, j)
				if !ok {
					return &FormulaError{Detail: `Missing environment name after \` + word + `.`}
				}
				i = end
				if word == "begin" {
					stack = append(stack, group{kind: "env", name: name})
				} else if err := pop("env", name); err != nil {
					return err
				}
			}
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return &FormulaError{Detail: unclosed(top.kind, top.name)}
	}
	return nil
}

func unclosed(kind, name string) string {
	switch kind {
	case "left":
		return `Missing \right. inserted.`
	case "env":
		return `\begin{` + name + `} is not closed.`
	}
	return "Missing } inserted."
}

// envName reads "{name}" starting at i, skipping spaces. end is the index of
// the closing brace.
func envName(s string, i int) (name string, end int, ok bool) {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	if i >= len(s) || s[i] != '{' {
		return "", 0, false
	}
	rb := strings.IndexByte(s[i:], '}')
	if rb < 0 {
		return "", 0, false
	}
	name = strings.TrimSpace(s[i+1 : i+rb])
	return name, i + rb, name != ""
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
