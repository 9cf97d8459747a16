package answers

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes a free-form gap answer so trivially equivalent
// spellings compare equal: case, diacritics, typographic punctuation,
// fraction and decimal notation, surrounding noise and English
// contraction variants all collapse to one form.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = stripDiacritics(s)
	s = punctReplacer.Replace(s)
	s = fractionRe.ReplaceAllStringFunc(s, expandFraction)
	s = commaDecimalRe.ReplaceAllString(s, "$1.$2")
	s = strippedRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	for _, c := range contractions {
		s = c.re.ReplaceAllString(s, c.contracted)
	}
	s = spacedHyphenRe.ReplaceAllString(s, "-")
	return s
}

var (
	fractionRe     = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)
	commaDecimalRe = regexp.MustCompile(`(\d),(\d)`)
	strippedRe     = regexp.MustCompile(`[^\p{L}\p{N}_\s'.+-]+`)
	spaceRe        = regexp.MustCompile(`\s+`)
	spacedHyphenRe = regexp.MustCompile(`\s*-\s*`)
)

// punctReplacer maps typographic dash and quote variants to their ASCII
// forms before anything else looks at the string.
var punctReplacer = strings.NewReplacer(
	"‐", "-", // hyphen
	"‑", "-", // non-breaking hyphen
	"‒", "-", // figure dash
	"–", "-", // en dash
	"—", "-", // em dash
	"―", "-", // horizontal bar
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"‛", "'", // reversed single quote
	"ʼ", "'", // modifier apostrophe
	"“", "\"", // left double quote
	"”", "\"", // right double quote
)

type contraction struct {
	re         *regexp.Regexp
	contracted string
}

// contractions rewrites expanded English forms to their contracted
// spelling so "I am" and "I'm" normalize identically. Applied after
// lowercasing and whitespace collapse, with word boundaries. The
// negations come first: "it is not" must contract to "it isn't", so
// "is not" has to be consumed before "it is" can match.
var contractions = buildContractions([][2]string{
	{"is not", "isn't"},
	{"are not", "aren't"},
	{"was not", "wasn't"},
	{"were not", "weren't"},
	{"do not", "don't"},
	{"does not", "doesn't"},
	{"did not", "didn't"},
	{"have not", "haven't"},
	{"has not", "hasn't"},
	{"had not", "hadn't"},
	{"will not", "won't"},
	{"would not", "wouldn't"},
	{"should not", "shouldn't"},
	{"could not", "couldn't"},
	{"must not", "mustn't"},
	{"can not", "can't"},
	{"cannot", "can't"},
	{"i am", "i'm"},
	{"you are", "you're"},
	{"we are", "we're"},
	{"they are", "they're"},
	{"he is", "he's"},
	{"she is", "she's"},
	{"it is", "it's"},
	{"that is", "that's"},
	{"there is", "there's"},
	{"what is", "what's"},
	{"who is", "who's"},
	{"i will", "i'll"},
	{"you will", "you'll"},
	{"we will", "we'll"},
	{"they will", "they'll"},
	{"i would", "i'd"},
	{"i have", "i've"},
	{"you have", "you've"},
	{"we have", "we've"},
	{"they have", "they've"},
	{"let us", "let's"},
})

func buildContractions(pairs [][2]string) []contraction {
	built := make([]contraction, len(pairs))
	for i, pair := range pairs {
		built[i] = contraction{
			re:         regexp.MustCompile(`\b` + regexp.QuoteMeta(pair[0]) + `\b`),
			contracted: pair[1],
		}
	}
	return built
}

// stripDiacritics decomposes to NFKD and drops combining marks, so
// "café" and "cafe" compare equal.
func stripDiacritics(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// expandFraction rewrites "a/b" as its decimal value, so "1/2" matches
// "0.5". Division by zero leaves the original text untouched.
func expandFraction(match string) string {
	parts := fractionRe.FindStringSubmatch(match)
	numerator, err1 := strconv.ParseFloat(parts[1], 64)
	denominator, err2 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || denominator == 0 {
		return match
	}
	return strconv.FormatFloat(numerator/denominator, 'f', -1, 64)
}
