package slots

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var unitWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var tensWords = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

var (
	rangeRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:-|to|or)\s*(\d+(?:\.\d+)?)`)
	numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
	hyphenRe = regexp.MustCompile(`([a-z])-([a-z])`)
)

// NormalizeNumerals lowercases text, rewrites spelled-out numbers as digits
// ("forty-two" -> "42") and pads slashes so "7/10" tokenises as "7 / 10".
func NormalizeNumerals(text string) string {
	text = strings.ToLower(text)
	text = strings.NewReplacer("’", "'", "/", " / ", "–", "-", ",", " , ").Replace(text)
	text = hyphenRe.ReplaceAllString(text, "$1 $2")

	tokens := strings.Fields(text)
	out := make([]string, 0, len(tokens))
	current, inNumber := 0, false
	flush := func() {
		if inNumber {
			out = append(out, strconv.Itoa(current))
		}
		current, inNumber = 0, false
	}
	for i, tok := range tokens {
		if v, ok := unitWords[tok]; ok {
			if inNumber && current%10 != 0 {
				flush()
			}
			current += v
			inNumber = true
			continue
		}
		if v, ok := tensWords[tok]; ok {
			if inNumber && current%100 != 0 {
				flush()
			}
			current += v
			inNumber = true
			continue
		}
		if tok == "hundred" && inNumber {
			current *= 100
			continue
		}
		if tok == "and" && inNumber && i+1 < len(tokens) && isNumberWord(tokens[i+1]) {
			continue
		}
		flush()
		out = append(out, tok)
	}
	flush()
	return strings.Join(out, " ")
}

// ParseNumber returns the first number in text. Ranges such as "6-7" or
// "six or seven" resolve to their midpoint.
func ParseNumber(text string) (float64, bool) {
	norm := NormalizeNumerals(text)
	if m := rangeRe.FindStringSubmatch(norm); m != nil {
		lo, err1 := strconv.ParseFloat(m[1], 64)
		hi, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			return (lo + hi) / 2, true
		}
	}
	if m := numberRe.FindString(norm); m != "" {
		v, err := strconv.ParseFloat(m, 64)
		if err == nil {
			return v, true
		}
	}
	return 0, false
}

func isNumberWord(tok string) bool {
	_, unit := unitWords[tok]
	_, tens := tensWords[tok]
	return unit || tens
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
