package transform

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	texttransform "golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var invalidColumnChars = regexp.MustCompile(`[^0-9A-Za-z_]`)

// Letters with no canonical decomposition, spelled the way a transliterator
// writes them in ASCII.
var letterSpellings = strings.NewReplacer(
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"đ", "d", "Đ", "D",
	"ð", "d", "Ð", "D",
	"þ", "th", "Þ", "TH",
	"ł", "l", "Ł", "L",
	"ı", "i",
)

// NormalizeColumn turns a CSV header into a warehouse-safe column name.
// Accents are stripped by decomposition ("Teléfono" becomes "Telefono"),
// letters such as "ß" or "Ø" are spelled out, then every character outside
// [0-9A-Za-z_] becomes an underscore.
func NormalizeColumn(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	name = letterSpellings.Replace(name)

	t := texttransform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	ascii, _, err := texttransform.String(t, name)
	if err != nil {
		ascii = name
	}

	return invalidColumnChars.ReplaceAllString(ascii, "_")
}

// NormalizeColumns normalizes a header row. Names that collide after
// normalization get the first free numeric suffix, so every column keeps a
// distinct name even when the header already contains the suffixed form.
func NormalizeColumns(header []string) []string {
	out := make([]string, len(header))
	used := make(map[string]bool, len(header))
	next := make(map[string]int)

	for i, h := range header {
		name := NormalizeColumn(h)
		if used[name] {
			n := next[name]
			if n == 0 {
				n = 1
			}
			for used[name+"_"+strconv.Itoa(n)] {
				n++
			}
			next[name] = n + 1
			name = name + "_" + strconv.Itoa(n)
		}
		used[name] = true
		out[i] = name
	}
	return out
}
