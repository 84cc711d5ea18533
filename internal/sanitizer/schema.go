package sanitizer

import (
	"fmt"
	"regexp"
	"strings"
)

// compileTokenPattern turns a token format string with exactly two %s
// verbs (kind, then token, matching FormatToken's argument order) into a
// regexp with two capture groups, so DetokenizeText can find and reverse
// formatted tokens regardless of the configured format's literal
// delimiters (default ⟦ENT:{kind}:{token}⟧).
func compileTokenPattern(format string) (*regexp.Regexp, error) {
	parts := strings.Split(format, "%s")
	if len(parts) != 3 {
		return nil, fmt.Errorf("sanitizer: token format %q must contain exactly two %%s verbs", format)
	}
	var b strings.Builder
	b.WriteString(regexp.QuoteMeta(parts[0]))
	b.WriteString("([A-Za-z0-9_]+)")
	b.WriteString(regexp.QuoteMeta(parts[1]))
	b.WriteString("([A-Za-z2-7]+)")
	b.WriteString(regexp.QuoteMeta(parts[2]))
	return regexp.Compile(b.String())
}
