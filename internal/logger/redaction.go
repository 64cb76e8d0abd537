package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// rule replaces matches of re. Key/value rules keep the key (group 1) and
// mask only the value.
type rule struct {
	re      *regexp.Regexp
	replace string
}

func secretRule(expr string) rule {
	return rule{re: regexp.MustCompile(expr), replace: redacted}
}

func fieldRule(key string) rule {
	return rule{
		re:      regexp.MustCompile(`(?i)(` + key + `["\s:=]+)[^\s"]+`),
		replace: "${1}" + redacted,
	}
}

// Redactor masks credentials before log lines reach a sink. Prompts,
// model replies and tool output are all logged, and any of them may echo
// a provider key.
type Redactor struct {
	rules []rule
}

// NewRedactor returns a Redactor with the built-in credential rules.
func NewRedactor() *Redactor {
	return &Redactor{rules: []rule{
		secretRule(`sk-ant-[a-zA-Z0-9_-]{20,}`),
		secretRule(`sk-[a-zA-Z0-9_-]{20,}`),
		secretRule(`AKIA[0-9A-Z]{16}`),
		secretRule(`Bearer\s+[a-zA-Z0-9._-]+`),
		fieldRule(`x-api-key`),
		fieldRule(`api_key`),
		fieldRule(`password`),
		fieldRule(`secret`),
		{re: regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9._-]{20,}`), replace: "${1}" + redacted},
	}}
}

// AddPattern masks every match of pattern entirely.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, replace: redacted})
	return nil
}

func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.replace)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		if _, err := io.WriteString(w, r.Redact(string(p))); err != nil {
			return 0, err
		}
		// zerolog treats a short count as an error, and redaction can
		// shrink the line.
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
