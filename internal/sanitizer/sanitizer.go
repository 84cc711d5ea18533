// Package sanitizer implements spec.md §4.12: a deterministic, keyed
// egress sanitizer that recognizes PII spans in outbound text and
// payloads and replaces them with opaque entity tokens, plus the
// reasoning-packet schema and leak check that egress gateways run
// sanitized payloads through before anything leaves the device.
package sanitizer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/autocapture/engine/internal/keyring"
)

// Config tunes one Sanitizer instance.
type Config struct {
	Recognizers RecognizerToggles
	TokenFormat string
	Names       NameSource
}

// DefaultConfig enables every built-in recognizer with the default
// token format and no name dictionary.
func DefaultConfig() Config {
	return Config{Recognizers: DefaultRecognizerToggles(), TokenFormat: DefaultTokenFormat, Names: NoopNameSource{}}
}

// Sanitizer recognizes and tokenizes PII in text and structured payloads
// bound for egress. One Sanitizer accumulates an EntityMap across calls
// so repeated values in later calls resolve to the same token as in
// earlier ones.
type Sanitizer struct {
	hasher      *EntityHasher
	recognizers []Recognizer
	names       NameSource
	entities    *EntityMap
	tokenRe     *regexp.Regexp
}

// New builds a Sanitizer. kr must be non-nil; entity tokens are derived
// from its keyring.PurposeEntityToken subkey.
func New(kr *keyring.Keyring, cfg Config) (*Sanitizer, error) {
	if kr == nil {
		return nil, fmt.Errorf("sanitizer: keyring is required")
	}
	if cfg.TokenFormat == "" {
		cfg.TokenFormat = DefaultTokenFormat
	}
	if cfg.Names == nil {
		cfg.Names = NoopNameSource{}
	}
	tokenRe, err := compileTokenPattern(cfg.TokenFormat)
	if err != nil {
		return nil, err
	}
	return &Sanitizer{
		hasher:      NewEntityHasher(kr, cfg.TokenFormat),
		recognizers: buildRecognizers(cfg.Recognizers),
		names:       cfg.Names,
		entities:    NewEntityMap(),
		tokenRe:     tokenRe,
	}, nil
}

// Entities exposes the Sanitizer's accumulated token map, e.g. for
// persisting it alongside a captured event.
func (s *Sanitizer) Entities() *EntityMap { return s.entities }

// SanitizeText finds every recognized entity in text and replaces each
// with its formatted token, returning the rewritten text and the tokens
// minted or reused during this call.
func (s *Sanitizer) SanitizeText(text, scope string) (string, map[string]TokenMeta, error) {
	found := findEntities(text, s.recognizers, s.names.Names())
	if len(found) == 0 {
		return text, map[string]TokenMeta{}, nil
	}

	var b strings.Builder
	cursor := 0
	minted := make(map[string]TokenMeta, len(found))
	for _, ent := range found {
		token, err := s.hasher.TokenFor(ent.Value, ent.Kind, scope, s.entities)
		if err != nil {
			return "", nil, err
		}
		s.entities.Put(token, ent.Value, ent.Kind)
		minted[token] = TokenMeta{Value: ent.Value, Kind: ent.Kind}

		b.WriteString(text[cursor:ent.Start])
		b.WriteString(s.hasher.FormatToken(ent.Kind, token))
		cursor = ent.End
	}
	b.WriteString(text[cursor:])
	return b.String(), minted, nil
}

// GlossaryEntry documents one token present in a reasoning packet,
// without revealing the original value.
type GlossaryEntry struct {
	Token string `json:"token"`
	Kind  string `json:"kind"`
}

// ReasoningPacket is the wire shape egress gateways send: a sanitized
// payload plus the token glossary and value map needed to interpret and,
// for an authorized caller, reverse it (spec.md §5 "Wire protocol for
// egress").
type ReasoningPacket struct {
	Payload  interface{}          `json:"payload"`
	Glossary []GlossaryEntry      `json:"glossary"`
	Tokens   map[string]TokenMeta `json:"tokens"`
}

// SanitizeValue recursively sanitizes strings anywhere within value,
// walking map[string]interface{} and []interface{} in place, and
// accumulates every token minted along the way.
func (s *Sanitizer) SanitizeValue(value interface{}, scope string) (interface{}, map[string]TokenMeta, error) {
	tokens := make(map[string]TokenMeta)
	out, err := s.sanitizeValue(value, scope, tokens)
	if err != nil {
		return nil, nil, err
	}
	return out, tokens, nil
}

func (s *Sanitizer) sanitizeValue(value interface{}, scope string, tokens map[string]TokenMeta) (interface{}, error) {
	switch v := value.(type) {
	case string:
		sanitized, minted, err := s.SanitizeText(v, scope)
		if err != nil {
			return nil, err
		}
		for tok, meta := range minted {
			tokens[tok] = meta
		}
		return sanitized, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			sanitizedElem, err := s.sanitizeValue(elem, scope, tokens)
			if err != nil {
				return nil, err
			}
			out[k] = sanitizedElem
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			sanitizedElem, err := s.sanitizeValue(elem, scope, tokens)
			if err != nil {
				return nil, err
			}
			out[i] = sanitizedElem
		}
		return out, nil
	default:
		return value, nil
	}
}

// SanitizePayload wraps payload into a ReasoningPacket: every string leaf
// is sanitized, and the glossary/tokens fields describe every token that
// appears in the resulting payload.
func (s *Sanitizer) SanitizePayload(payload interface{}, scope string) (ReasoningPacket, error) {
	sanitized, tokens, err := s.SanitizeValue(payload, scope)
	if err != nil {
		return ReasoningPacket{}, err
	}
	glossary := make([]GlossaryEntry, 0, len(tokens))
	for tok, meta := range tokens {
		glossary = append(glossary, GlossaryEntry{Token: tok, Kind: meta.Kind})
	}
	return ReasoningPacket{Payload: sanitized, Glossary: glossary, Tokens: tokens}, nil
}

// LeakCheck reports whether any original entity value still appears,
// as a substring, anywhere within packet's payload (spec.md §4.12:
// "leak_check(sanitized) returns true iff no original value substring
// remains"). true means clean; false means a leak was found.
func (s *Sanitizer) LeakCheck(packet ReasoningPacket) bool {
	values := make([]string, 0, len(packet.Tokens))
	for _, meta := range packet.Tokens {
		if meta.Value != "" {
			values = append(values, meta.Value)
		}
	}
	if len(values) == 0 {
		return true
	}
	return !containsAny(packet.Payload, values)
}

func containsAny(value interface{}, needles []string) bool {
	switch v := value.(type) {
	case string:
		for _, needle := range needles {
			if strings.Contains(v, needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		for _, elem := range v {
			if containsAny(elem, needles) {
				return true
			}
		}
		return false
	case []interface{}:
		for _, elem := range v {
			if containsAny(elem, needles) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// DetokenizeText replaces every formatted token in text with its
// original value, looked up in s's EntityMap.
func (s *Sanitizer) DetokenizeText(text string) string {
	return s.tokenRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := s.tokenRe.FindStringSubmatch(match)
		if sub == nil {
			return match
		}
		token := sub[2]
		if meta, ok := s.entities.Get(token); ok {
			return meta.Value
		}
		return match
	})
}

// DetokenizePayload recursively reverses DetokenizeText over every string
// leaf of value.
func (s *Sanitizer) DetokenizePayload(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return s.DetokenizeText(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = s.DetokenizePayload(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = s.DetokenizePayload(elem)
		}
		return out
	default:
		return value
	}
}
