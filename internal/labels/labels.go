// Package labels normalizes task labels and derives the deterministic colors
// used for labels and context cards.
package labels

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"unicode/utf8"
)

const (
	MaxLabels    = 12
	MaxLabelRune = 32
)

// Palette holds the label chip colors. Order is part of the contract: a
// label keeps its color as long as this slice is unchanged.
var Palette = []string{
	"slate", "red", "orange", "amber", "lime", "emerald",
	"teal", "sky", "blue", "indigo", "violet", "pink",
}

// CardPalette holds the background colors a context card may use.
var CardPalette = []string{
	"yellow", "orange", "rose", "violet", "sky", "teal", "lime", "stone",
}

// Normalize trims and collapses whitespace, drops empties, truncates each
// label to MaxLabelRune runes and removes case-insensitive duplicates keeping
// the first spelling. At most MaxLabels labels are returned, in input order.
func Normalize(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, label := range raw {
		label = strings.Join(strings.Fields(label), " ")
		if label == "" {
			continue
		}
		if utf8.RuneCountInString(label) > MaxLabelRune {
			label = strings.TrimSpace(string([]rune(label)[:MaxLabelRune]))
		}
		key := strings.ToLower(label)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, label)
		if len(out) == MaxLabels {
			break
		}
	}
	return out
}

// Color returns the palette color for a label. Case does not matter.
func Color(label string) string {
	key := strings.ToLower(strings.Join(strings.Fields(label), " "))
	return Palette[hash(key)%uint32(len(Palette))]
}

// Parse decodes a stored JSON array of labels. Malformed input and
// non-string items are ignored.
func Parse(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return []string{}
	}
	values := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			values = append(values, s)
		}
	}
	return Normalize(values)
}

func Serialize(values []string) string {
	normalized := Normalize(values)
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// CardColor derives a card color from a seed, normally the card title.
func CardColor(seed string) string {
	return CardPalette[hash(strings.ToLower(strings.TrimSpace(seed)))%uint32(len(CardPalette))]
}

func IsCardColor(color string) bool {
	for _, c := range CardPalette {
		if c == color {
			return true
		}
	}
	return false
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
