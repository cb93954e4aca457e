// Package label parses and renders the structured member display label
// "<RankTag> | <Name> | <ExternalID>".
package label

import (
	"regexp"
	"strings"
)

const (
	// Separator between label fields.
	Separator = " | "
	// MaxLen is the platform's display label limit, in runes.
	MaxLen = 32
	// nameCut is the truncated name length used when a rendered label
	// exceeds MaxLen.
	nameCut = 15
	// Placeholder stands in for an absent external id so rendering never
	// blocks on a missing field.
	Placeholder = "000000"
)

var (
	parenthetical  = regexp.MustCompile(`\s*\([^)]*\)`)
	trailingDigits = regexp.MustCompile(`\s+\d+\s*$`)
	interiorDigits = regexp.MustCompile(`\s+\d+\s+`)
	numericToken   = regexp.MustCompile(`\b\d+\b`)
	nonLabelRunes  = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
)

// Label is a derived value, never independently persisted.
type Label struct {
	RankTag    string
	Name       string
	ExternalID string
}

// Parse splits a raw label into its fields. It never fails: missing
// separators, absent tags and absent ids all yield best-effort partial
// fields.
func Parse(raw string) Label {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Label{}
	}

	var out Label
	parts := strings.Split(raw, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch {
	case len(parts) >= 3:
		out.RankTag = parts[0]
		out.Name = parts[1]
	case len(parts) == 2:
		// "Name | ID" form: no tag.
		out.Name = parts[0]
	default:
		out.Name = parts[0]
	}

	// The external id is the last purely-numeric token anywhere in the
	// label; earlier stray numbers belong to the name and are stripped.
	if numbers := numericToken.FindAllString(raw, -1); len(numbers) > 0 {
		out.ExternalID = numbers[len(numbers)-1]
	}

	out.Name = CleanName(out.Name)
	return out
}

// CleanName strips parentheticals and stray standalone digits from a name
// segment.
func CleanName(name string) string {
	name = parenthetical.ReplaceAllString(name, "")
	name = trailingDigits.ReplaceAllString(name, "")
	name = interiorDigits.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// sanitizeName drops punctuation and collapses whitespace so rendered
// labels survive a parse round-trip unchanged.
func sanitizeName(name string) string {
	name = nonLabelRunes.ReplaceAllString(CleanName(name), "")
	return strings.Join(strings.Fields(name), " ")
}

// Render formats "tag | name | id" within MaxLen runes. The fallback ladder
// is deterministic and idempotent: full render, then the name truncated to
// nameCut runes, then all whitespace stripped and a hard cut at MaxLen.
// An empty name falls back to fallbackName (the member's base handle); an
// absent external id renders the Placeholder.
func Render(tag, name, externalID, fallbackName string) string {
	name = sanitizeName(name)
	if name == "" {
		name = sanitizeName(fallbackName)
	}
	if name == "" {
		name = "User"
	}
	if externalID == "" {
		externalID = Placeholder
	}
	tag = strings.TrimSpace(tag)

	rendered := join(tag, name, externalID)
	if runeLen(rendered) <= MaxLen {
		return rendered
	}

	short := []rune(name)
	if len(short) > nameCut {
		short = short[:nameCut]
	}
	rendered = join(tag, strings.TrimSpace(string(short)), externalID)
	if runeLen(rendered) <= MaxLen {
		return rendered
	}

	squeezed := strings.ReplaceAll(rendered, " ", "")
	runes := []rune(squeezed)
	if len(runes) > MaxLen {
		runes = runes[:MaxLen]
	}
	return string(runes)
}

func join(tag, name, externalID string) string {
	if tag == "" {
		return name + Separator + externalID
	}
	return tag + Separator + name + Separator + externalID
}

func runeLen(s string) int {
	return len([]rune(s))
}
