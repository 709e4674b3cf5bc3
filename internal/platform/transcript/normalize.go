package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips diacritics ("Exame Físico" -> "exame fisico").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// FoldWithOffsets folds s rune by rune and returns, for every byte of the
// folded string, the byte offset of the source rune in s. The slice carries one
// trailing entry equal to len(s) so that folded[a:b] maps to s[offs[a]:offs[b]].
func FoldWithOffsets(s string) (string, []int) {
	var b strings.Builder
	b.Grow(len(s))
	offs := make([]int, 0, len(s)+1)
	for i, r := range s {
		f := foldRune(r)
		for j := 0; j < len(f); j++ {
			offs = append(offs, i)
		}
		b.WriteString(f)
	}
	offs = append(offs, len(s))
	return b.String(), offs
}

func foldRune(r rune) string {
	r = unicode.ToLower(r)
	if r < utf8.RuneSelf {
		return string(r)
	}
	var b strings.Builder
	for _, x := range norm.NFD.String(string(r)) {
		if !unicode.Is(unicode.Mn, x) {
			b.WriteRune(x)
		}
	}
	return b.String()
}

// Normalize folds s and reduces it to space-separated words, dropping
// punctuation. It is the canonical form used for phrase comparison.
func Normalize(s string) string {
	return strings.Join(strings.FieldsFunc(Fold(s), isNotWordRune), " ")
}

// Similarity is 1 - levenshtein/maxlen over runes; 1 means identical.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isNotWordRune(r rune) bool { return !isWordRune(r) }

type word struct {
	start, end int
}

// words returns the byte spans of letter/digit runs in s.
func words(s string) []word {
	var out []word
	start := -1
	for i, r := range s {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, word{start, i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, word{start, len(s)})
	}
	return out
}
