package sanitizer

import (
	"regexp"
	"sort"
	"strings"
)

// Entity kind constants, matching the reasoning-packet token format
// ⟦ENT:{kind}:{token}⟧ (spec.md §4.12).
const (
	KindSSN        = "SSN"
	KindCreditCard = "CREDIT_CARD"
	KindEmail      = "EMAIL"
	KindPhone      = "PHONE"
	KindIPv4       = "IPV4"
	KindURL        = "URL"
	KindFilePath   = "FILEPATH"
	KindName       = "NAME"
	KindCustom     = "CUSTOM"
)

// Entity is one recognized span of PII within a text.
type Entity struct {
	Start int
	End   int
	Kind  string
	Value string
}

// Recognizer finds non-overlapping matches of one PII kind within text.
type Recognizer struct {
	Kind    string
	Pattern *regexp.Regexp
}

var (
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern      = regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4})`)
	ssnPattern        = regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
	creditCardPattern = regexp.MustCompile(`(?:\d[ \-]*?){13,19}`)
	ipv4Pattern       = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)
	urlPattern        = regexp.MustCompile(`https?://\S+`)
	filePathPattern   = regexp.MustCompile(`[A-Za-z]:\\\S+`)
	namePattern       = regexp.MustCompile(`[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+`)
)

// RecognizerToggles enables or disables each built-in recognizer and
// supplies any custom regexes to run as KindCustom.
type RecognizerToggles struct {
	SSN         bool
	CreditCard  bool
	Email       bool
	Phone       bool
	IPv4        bool
	URL         bool
	FilePath    bool
	Names       bool
	CustomRegex []*regexp.Regexp
}

// DefaultRecognizerToggles enables every built-in recognizer.
func DefaultRecognizerToggles() RecognizerToggles {
	return RecognizerToggles{SSN: true, CreditCard: true, Email: true, Phone: true, IPv4: true, URL: true, FilePath: true, Names: true}
}

// buildRecognizers returns the ordered recognizer list for t, matching the
// fixed evaluation order spec.md §4.12 lists: SSN, credit card, email,
// phone, IPv4, URL, file path, name, then any custom regexes.
func buildRecognizers(t RecognizerToggles) []Recognizer {
	var recs []Recognizer
	if t.SSN {
		recs = append(recs, Recognizer{Kind: KindSSN, Pattern: ssnPattern})
	}
	if t.CreditCard {
		recs = append(recs, Recognizer{Kind: KindCreditCard, Pattern: creditCardPattern})
	}
	if t.Email {
		recs = append(recs, Recognizer{Kind: KindEmail, Pattern: emailPattern})
	}
	if t.Phone {
		recs = append(recs, Recognizer{Kind: KindPhone, Pattern: phonePattern})
	}
	if t.IPv4 {
		recs = append(recs, Recognizer{Kind: KindIPv4, Pattern: ipv4Pattern})
	}
	if t.URL {
		recs = append(recs, Recognizer{Kind: KindURL, Pattern: urlPattern})
	}
	if t.FilePath {
		recs = append(recs, Recognizer{Kind: KindFilePath, Pattern: filePathPattern})
	}
	if t.Names {
		recs = append(recs, Recognizer{Kind: KindName, Pattern: namePattern})
	}
	for _, re := range t.CustomRegex {
		recs = append(recs, Recognizer{Kind: KindCustom, Pattern: re})
	}
	return recs
}

// NameSource supplies a dictionary of known names for whole-word,
// case-insensitive matching in addition to the capitalized-word-run
// heuristic namePattern applies. Bundle-backed name lists are out of
// scope here; NoopNameSource is the default.
type NameSource interface {
	Names() []string
}

// NoopNameSource supplies no names.
type NoopNameSource struct{}

func (NoopNameSource) Names() []string { return nil }

// findEntities runs every recognizer plus any NameSource names over text
// and resolves overlaps: matches are ordered by (start asc, span desc,
// kind asc) and accepted greedily, skipping any candidate that starts
// before the previously accepted match ends (spec.md §4.12: "overlap
// resolution prefers earlier start, longer span, stable kind order").
func findEntities(text string, recs []Recognizer, names []string) []Entity {
	var candidates []Entity

	for _, rec := range recs {
		for _, loc := range rec.Pattern.FindAllStringIndex(text, -1) {
			candidates = append(candidates, Entity{Start: loc[0], End: loc[1], Kind: rec.Kind, Value: text[loc[0]:loc[1]]})
		}
	}
	candidates = append(candidates, findNameMatches(text, names)...)

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		spanA, spanB := a.End-a.Start, b.End-b.Start
		if spanA != spanB {
			return spanA > spanB
		}
		return a.Kind < b.Kind
	})

	var accepted []Entity
	lastEnd := -1
	for _, c := range candidates {
		if c.Start < lastEnd {
			continue
		}
		accepted = append(accepted, c)
		lastEnd = c.End
	}
	return accepted
}

// findNameMatches locates whole-word, case-insensitive occurrences of each
// name in names, longest names first so "John Doe" is preferred over a
// contained "John".
func findNameMatches(text string, names []string) []Entity {
	if len(names) == 0 {
		return nil
	}
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	lower := strings.ToLower(text)
	var matches []Entity
	for _, name := range sorted {
		needle := strings.ToLower(name)
		if needle == "" {
			continue
		}
		start := 0
		for {
			idx := strings.Index(lower[start:], needle)
			if idx < 0 {
				break
			}
			pos := start + idx
			end := pos + len(needle)
			if wordBoundary(lower, pos, end) {
				matches = append(matches, Entity{Start: pos, End: end, Kind: KindName, Value: text[pos:end]})
			}
			start = pos + 1
		}
	}
	return matches
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 && isWordByte(s[start-1]) {
		return false
	}
	if end < len(s) && isWordByte(s[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
