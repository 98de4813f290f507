package utils

import (
	"regexp"
	"strings"

	"github.com/gosimple/slug"
)

// --- Filename Sanitization ---
var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Characters invalid in Windows/Unix filenames
var consecutiveUnderscores = regexp.MustCompile(`_+`)                  // Pattern to replace multiple underscores with one
var consecutiveHyphens = regexp.MustCompile(`-{2,}`)

// slugBreaks become word breaks before transliteration, so "Q&A" is "q-a"
// rather than "qanda" and "Lord's" is "lord-s" rather than "lords".
var slugBreaks = strings.NewReplacer("&", " ", "@", " ", "'", " ", "\u2019", " ", "\"", " ")

const (
	maxFilenameLength = 100 // Max length for sanitized path components
	maxSlugLength     = 80  // Slugs are joined five at a time into one filename
)

// UntitledSlug is returned whenever sanitization would produce an empty token.
const UntitledSlug = "untitled"

// SanitizeFilename cleans a string to be safe for use as a path component.
// Casing and separators are preserved, only unsafe characters are replaced.
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		sanitized = sanitized[:maxFilenameLength]
		sanitized = strings.Trim(sanitized, "_ ")
	}

	if sanitized == "" {
		sanitized = UntitledSlug
	}
	return sanitized
}

// Slugify converts human text into a lowercase, hyphen-separated token made of
// [a-z0-9-] only. Non-ASCII letters are transliterated.
// Input that yields nothing usable (empty, whitespace, punctuation) maps to "untitled".
// Slugs longer than 80 bytes are cut at 80.
func Slugify(text string) string {
	s := slug.Make(strings.TrimSpace(slugBreaks.Replace(text)))
	// Underscore separates filename fields, so it never appears inside a slug.
	s = strings.ReplaceAll(s, "_", "-")
	s = consecutiveHyphens.ReplaceAllString(s, "-")
	if len(s) > maxSlugLength {
		s = s[:maxSlugLength]
	}
	s = strings.Trim(s, "-")
	if s == "" {
		return UntitledSlug
	}
	return s
}
