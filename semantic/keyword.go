package semantic

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// polarityAxes pairs opposing actions. The first verb of each pair is the
// positive pole.
var polarityAxes = [][2]string{
	{"add", "remove"},
	{"keep", "delete"},
	{"enable", "disable"},
	{"approve", "reject"},
	{"increase", "decrease"},
	{"allow", "deny"},
	{"include", "exclude"},
	{"upgrade", "downgrade"},
	{"merge", "revert"},
}

// conflictMarkers are phrases that signal disagreement on their own.
var conflictMarkers = []string{"conflicts with", "disagree", "contradicts", "incompatible with"}

var negations = map[string]bool{"not": true, "don't": true, "dont": true, "never": true, "no": true, "shouldn't": true, "mustn't": true}

// polarityIndex maps an inflected verb to its axis and sign.
var polarityIndex = buildPolarityIndex()

type pole struct {
	axis string
	sign int
}

func inflections(base string) []string {
	out := []string{base, base + "s"}
	if strings.HasSuffix(base, "e") {
		out = append(out, base+"d", strings.TrimSuffix(base, "e")+"ing")
	} else {
		out = append(out, base+"ed", base+"ing")
	}
	return out
}

func buildPolarityIndex() map[string]pole {
	idx := make(map[string]pole)
	for _, pair := range polarityAxes {
		axis := pair[0] + "/" + pair[1]
		for _, w := range inflections(pair[0]) {
			idx[w] = pole{axis: axis, sign: 1}
		}
		for _, w := range inflections(pair[1]) {
			idx[w] = pole{axis: axis, sign: -1}
		}
	}
	idx["kept"] = pole{axis: "keep/delete", sign: 1}
	idx["denied"] = pole{axis: "allow/deny", sign: -1}
	return idx
}

// Tokenize lower-cases text and splits it into words, keeping
// apostrophes inside words.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// Stances returns the polarity of text on every axis it mentions: +1 or -1,
// or 0 when the text takes both sides. A preceding negation flips a verb.
func Stances(text string) map[string]int {
	out := make(map[string]int)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		p, ok := polarityIndex[tok]
		if !ok {
			continue
		}
		sign := p.sign
		if i > 0 && negations[tokens[i-1]] {
			sign = -sign
		}
		if prev, seen := out[p.axis]; seen && prev != sign {
			out[p.axis] = 0
			continue
		}
		out[p.axis] = sign
	}
	return out
}

// HasConflictMarker reports whether text explicitly signals disagreement.
func HasConflictMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range conflictMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Contradicts reports whether a and b take opposite stances on a shared
// axis, or either carries an explicit conflict marker. The reason names
// the deciding axis or marker.
func Contradicts(a, b string) (bool, string) {
	sa, sb := Stances(a), Stances(b)
	for axis, x := range sa {
		if y, ok := sb[axis]; ok && x != 0 && y != 0 && x != y {
			return true, "opposing stances on " + axis
		}
	}
	if HasConflictMarker(a) || HasConflictMarker(b) {
		return true, "explicit disagreement"
	}
	return false, ""
}

// KeywordJudge is the ConflictJudge used when no model is configured.
type KeywordJudge struct{}

// Judge implements ConflictJudge. Statements about different subjects
// never conflict.
func (KeywordJudge) Judge(_ context.Context, a, b Statement) (Verdict, error) {
	if a.Subject != "" && b.Subject != "" && !strings.EqualFold(a.Subject, b.Subject) {
		return Verdict{}, nil
	}
	ok, reason := Contradicts(a.Text, b.Text)
	if !ok {
		return Verdict{}, nil
	}
	return Verdict{
		Conflict: true,
		Reason:   fmt.Sprintf("%s and %s: %s", a.AgentID, b.AgentID, reason),
		Score:    1,
	}, nil
}
