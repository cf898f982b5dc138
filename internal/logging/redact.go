package logging

import "regexp"

// Mask replaces redacted keys and matched value fragments in debug logs.
const Mask = "***REDACTED***"

var (
	secretKeyRe = regexp.MustCompile(`(?i)(^|[._-])(authorization|cookie|api_key|apikey|token|secret)($|[._-])`)

	secretValueRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Bearer\s+\S+`),
		regexp.MustCompile(`sk-[0-9A-Za-z]{6,}`),
	}
)

// Redactor masks secret-bearing attribute keys and secret-shaped substrings
// in values before they reach the debug log.
type Redactor struct {
	keyRe    *regexp.Regexp
	valueRes []*regexp.Regexp
}

// NewDefaultRedactor returns the redactor used when runtime.logs.redaction
// is "default".
func NewDefaultRedactor() *Redactor {
	return &Redactor{keyRe: secretKeyRe, valueRes: secretValueRes}
}

// Value redacts val in the context of its attribute key. A nil Redactor
// passes values through unchanged.
func (r *Redactor) Value(key, val string) string {
	if r == nil {
		return val
	}
	if r.keyRe.MatchString(key) {
		return Mask
	}
	out := val
	for _, re := range r.valueRes {
		out = re.ReplaceAllString(out, Mask)
	}
	return out
}
