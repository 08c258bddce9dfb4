package typeset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBody(t *testing.T) {
	assert.Equal(t, " a+b ", Body("$ a+b $"))
	assert.Equal(t, "  ", Body("$  $"))
	assert.Equal(t, ` \$x`, Body(`$ \$x$`))
}

func TestToMathML_Valid(t *testing.T) {
	out, err := ToMathML("$ x^2+y^2=z^2 $")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<math"))
	assert.True(t, strings.HasSuffix(out, "</math>"))
	assert.Contains(t, out, `xmlns="`+mathMLNamespace+`"`)
}

func TestToMathML_Deterministic(t *testing.T) {
	a, err := ToMathML(`$ \frac{a}{b} $`)
	require.NoError(t, err)
	b, err := ToMathML(`$ \frac{a}{b} $`)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestToMathML_EmptyFormula(t *testing.T) {
	out, err := ToMathML("$  $")
	require.NoError(t, err)
	assert.Contains(t, out, "<math")
}

func TestFormulaError(t *testing.T) {
	err := &FormulaError{Detail: "missing }"}
	assert.ErrorIs(t, err, ErrInvalidFormula)
	assert.Equal(t, "invalid formula: missing }", err.Error())
	assert.Equal(t, "invalid formula", (&FormulaError{}).Error())
}

func TestToMathML_Malformed(t *testing.T) {
	tests := []struct {
		markup string
		detail string
	}{
		{`$ \notacommand{ $`, "Missing } inserted."},
		{`$ \frac{1}{2 $`, "Missing } inserted."},
		{`$ a} $`, "Extra }, or forgotten $."},
		{`$ \left( x $`, `Missing \right. inserted.`},
		{`$ x \right) $`, `Extra \right.`},
		{`$ \begin{matrix} a \end{pmatrix} $`, `\begin{matrix} is not closed.`},
		{`$ \begin{cases} x $`, `\begin{cases} is not closed.`},
		{`$ \end{matrix} $`, `\end{matrix} without \begin.`},
		{`$ \begin x $`, `Missing environment name after \begin.`},
		{`$ {\left( x} \right) $`, `Missing \right. inserted.`},
	}
	for _, tc := range tests {
		t.Run(tc.markup, func(t *testing.T) {
			_, err := ToMathML(tc.markup)
			require.ErrorIs(t, err, ErrInvalidFormula)
			var formulaErr *FormulaError
			require.ErrorAs(t, err, &formulaErr)
			assert.Equal(t, tc.detail, formulaErr.Detail)
		})
	}
}

func TestCheckGroups_Balanced(t *testing.T) {
	for _, body := range []string{
		`\frac{1}{2}`,
		`\{ a \}`,
		`\left\{ x \right.`,
		`\left( \frac{a}{b} \right)`,
		`\begin{pmatrix} a & b \\ c & d \end{pmatrix}`,
		`\begin {cases} x \end{cases}`,
		`a \\ b`,
		`x \$ y`,
	} {
		assert.NoError(t, checkGroups(body), body)
	}
}

func TestExtractMath(t *testing.T) {
	_, err := extractMath(`<p><math><merror><mtext>Undefined control sequence &#92;foo</mtext></merror></math></p>`)
	var formulaErr *FormulaError
	require.ErrorAs(t, err, &formulaErr)
	assert.Equal(t, `Undefined control sequence \foo`, formulaErr.Detail)

	_, err = extractMath("<p>plain text</p>")
	assert.ErrorIs(t, err, ErrInvalidFormula)

	out, err := extractMath(`<p><math display="block"><mi>x</mi></math></p>`)
	require.NoError(t, err)
	assert.Equal(t, `<math xmlns="`+mathMLNamespace+`" display="block"><mi>x</mi></math>`, out)
}
