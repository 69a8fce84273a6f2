package datastore

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slugify lowercases s, strips diacritics and joins runs of ASCII letters and
// digits with single dashes: "Café Crème, Ltd." -> "cafe-creme-ltd".
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}

	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(plain) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// fileName derives the storage filename of a record: {entityType}-{slug}.json,
// slugging the name when present and the id otherwise. It is a convenience
// for humans browsing the repository, never an identity.
func fileName(entityType string, rec Record) string {
	base := ""
	if name, ok := rec[FieldName].(string); ok {
		base = Slugify(name)
	}
	if base == "" {
		return idFileName(entityType, rec)
	}
	return entityType + "-" + base + ".json"
}

// idFileName is the collision fallback: the id is unique, so its slug is too in practice.
func idFileName(entityType string, rec Record) string {
	base := Slugify(rec.ID())
	if base == "" {
		base = "record"
	}
	return entityType + "-" + base + ".json"
}
