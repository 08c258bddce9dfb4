package tex

import "strings"

// Delimiter opens and closes math mode.
const Delimiter = "$"

// escapedDelimiter replaces a literal delimiter. The leading space is not
// rendered in math mode and keeps a preceding backslash from pairing with the
// escape (`\\$` would otherwise end a line and leave a raw delimiter).
const escapedDelimiter = ` \$`

// Sanitize escapes every math-mode delimiter so user input cannot leave math
// mode. Input without a delimiter is returned unchanged.
func Sanitize(formula string) string {
	return strings.ReplaceAll(formula, Delimiter, escapedDelimiter)
}

// Wrap puts a sanitized formula between math-mode delimiters.
func Wrap(sanitized string) string {
	return Delimiter + " " + sanitized + " " + Delimiter
}
