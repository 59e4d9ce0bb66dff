package slots

import (
	"regexp"
	"strings"
)

// DenialConfidence grades how firmly a user denied something.
type DenialConfidence string

const (
	DenialNone   DenialConfidence = ""
	DenialLow    DenialConfidence = "low"
	DenialMedium DenialConfidence = "medium"
	DenialHigh   DenialConfidence = "high"
)

var (
	affirmativeRe = regexp.MustCompile(`^(?:yes|yeah|yep|yup|ya|yea|sure|correct|right|true|definitely|absolutely|i do|i have it|i have that|it does|that's right|thats right|uh huh|affirmative|ok yes|yes i do|yes it is)\b`)
	negationRe    = regexp.MustCompile(`\b(?:no|nope|nah|not|never|none|don't|dont|doesn't|doesnt|haven't|havent|didn't|didnt|isn't|isnt|wasn't|wasnt|without)\b`)
	firmDenialRe  = regexp.MustCompile(`^(?:no|nope|nah|never|none|not at all|definitely not|absolutely not|no never|no not at all|no i don't|no i dont|no it isn't|no it isnt|no it doesn't|no it doesnt)$`)
	softDenialRe  = regexp.MustCompile(`\b(?:i don't think so|i dont think so|don't think so|dont think so|probably not|not really|i don't believe so|i dont believe so|not sure|i guess not|maybe not|not that i know of|not that i'm aware of|not that im aware of|hardly)\b`)
	unknownRe     = regexp.MustCompile(`\b(?:i don't know|i dont know|dunno|no idea|not sure|unsure|can't say|cant say|can't remember|cant remember|don't remember|dont remember|hard to say|i can't tell|i cant tell)\b`)
)

func normalizeAnswer(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.ReplaceAll(text, "’", "'")
	text = strings.TrimRight(text, ".!?, ")
	return strings.Join(strings.Fields(text), " ")
}

// IsAffirmative reports whether text is a short yes-style answer that does
// not itself carry a negation.
func IsAffirmative(text string) bool {
	norm := normalizeAnswer(text)
	if norm == "" || negationRe.MatchString(norm) {
		return false
	}
	return affirmativeRe.MatchString(norm)
}

// IsNegative reports whether text reads as a denial of any strength.
func IsNegative(text string) bool {
	return ClassifyDenial(text) != DenialNone
}

// ClassifyDenial grades a denial: hedged negatives are low, bare firm
// negatives are high and any other negation is medium. Text with no
// negation returns DenialNone.
func ClassifyDenial(text string) DenialConfidence {
	norm := normalizeAnswer(text)
	switch {
	case norm == "":
		return DenialNone
	case softDenialRe.MatchString(norm):
		return DenialLow
	case firmDenialRe.MatchString(norm):
		return DenialHigh
	case negationRe.MatchString(norm):
		return DenialMedium
	}
	return DenialNone
}

// IsUnknownAnswer reports "I don't know"-style answers.
func IsUnknownAnswer(text string) bool {
	return unknownRe.MatchString(normalizeAnswer(text))
}

// IsHedged reports whether text contains hedging language.
func IsHedged(text string) bool {
	return hedgeRe.MatchString(NormalizeNumerals(text))
}
