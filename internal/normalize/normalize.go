// Package normalize canonicalizes marketplace gift names to stable slugs.
//
// "Lollipop NFT" on one marketplace, "Lollipop #777" on another and
// "Telegram Lollipop" on a third all reduce to the slug "lollipop" so that
// prices can be compared across sources.
package normalize

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var (
	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\s*nft\s*`),
		regexp.MustCompile(`(?i)\s*gift\s*`),
		regexp.MustCompile(`(?i)\s*telegram\s*`),
		regexp.MustCompile(`#\d+`),
		regexp.MustCompile(`\(\d+\)`),
	}
	nonAlnum = regexp.MustCompile(`[^a-z0-9\s]`)
	spaces   = regexp.MustCompile(`\s+`)
)

// Mapper normalizes raw gift names and applies a manual override table for
// variants that the mechanical rules cannot collapse.
type Mapper struct {
	overrides map[string]string
	log       zerolog.Logger
}

// DefaultOverrides maps known problem variants (already normalized) to
// their canonical slugs.
func DefaultOverrides() map[string]string {
	return map[string]string{
		"bluestardeluxe": "bluestar",
		"redballoonv2":   "redballoon",
		"luckyclover":    "greenclover",
	}
}

func NewMapper(overrides map[string]string, log zerolog.Logger) *Mapper {
	if overrides == nil {
		overrides = DefaultOverrides()
	}
	return &Mapper{overrides: overrides, log: log.With().Str("component", "normalize").Logger()}
}

// Normalize reduces a raw marketplace name to a canonical slug. The source
// tag is used only for logging. An empty result means the name carried no
// usable identity and the caller should discard the observation.
func (m *Mapper) Normalize(rawName, source string) string {
	if rawName == "" {
		return ""
	}

	s := strings.ToLower(strings.TrimSpace(rawName))
	for _, p := range noisePatterns {
		s = p.ReplaceAllString(s, " ")
	}
	s = nonAlnum.ReplaceAllString(s, "")
	s = spaces.ReplaceAllString(s, "")

	if canonical, ok := m.overrides[s]; ok {
		s = canonical
	}

	if s == "" {
		m.log.Warn().Str("raw", rawName).Str("source", source).Msg("name normalized to empty string")
	}
	return s
}

// AddOverride registers a variant→canonical mapping. The variant must
// already be in normalized form.
func (m *Mapper) AddOverride(variant, canonical string) {
	m.overrides[variant] = canonical
}

// Variants returns every known variant slug that maps to the given
// canonical slug, including the canonical itself.
func (m *Mapper) Variants(canonical string) []string {
	variants := []string{canonical}
	for variant, target := range m.overrides {
		if target == canonical {
			variants = append(variants, variant)
		}
	}
	return variants
}
