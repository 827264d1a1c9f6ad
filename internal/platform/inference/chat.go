package inference

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// ChatFallback is returned to the patient whenever the conversational
// provider cannot produce an answer.
const ChatFallback = "I'm sorry, I can't answer questions about your report right now. " +
	"Please consult your doctor or radiologist, who can explain the findings in detail."

// Answerer answers a free-text question grounded in one report's text.
type Answerer interface {
	Answer(ctx context.Context, reportText, question string) (string, error)
}

// ErrNoAnswer is returned when an answerer has nothing grounded to say.
var ErrNoAnswer = errors.New("no answer grounded in the report")

// ExtractiveAnswerer answers offline by quoting the report lines that share
// the most words with the question.
type ExtractiveAnswerer struct {
	MaxLines int
}

func NewExtractiveAnswerer() *ExtractiveAnswerer {
	return &ExtractiveAnswerer{MaxLines: 3}
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"there": true, "any": true, "my": true, "me": true, "i": true, "do": true,
	"does": true, "what": true, "how": true, "in": true, "of": true, "on": true,
	"to": true, "and": true, "or": true, "it": true, "this": true, "that": true,
	"have": true, "has": true, "can": true, "you": true, "about": true,
}

func (a *ExtractiveAnswerer) Answer(ctx context.Context, reportText, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(reportText) == "" {
		return "", ErrNoAnswer
	}

	terms := keywords(question)
	type scored struct {
		line  string
		score int
	}
	var hits []scored
	for _, line := range strings.Split(reportText, "\n") {
		clean := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "•*#-"))
		if clean == "" || strings.HasSuffix(clean, ":") {
			continue
		}
		score := 0
		for w := range keywords(clean) {
			if terms[w] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{clean, score})
		}
	}

	// Questions like "any findings?" match section headers only; fall back to
	// quoting the impression.
	if len(hits) == 0 {
		if imp := impression(reportText); imp != "" {
			return "Your report's impression says: " + imp, nil
		}
		return "", ErrNoAnswer
	}

	// stable selection by score, keeping report order among equals
	max := a.MaxLines
	if max <= 0 {
		max = 3
	}
	var picked []string
	for best := len(keywordsList(question)) + 1; best > 0 && len(picked) < max; best-- {
		for _, h := range hits {
			if h.score == best && len(picked) < max {
				picked = append(picked, h.line)
			}
		}
	}
	return "Based on your report: " + strings.Join(picked, " "), nil
}

func keywords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range keywordsList(s) {
		out[w] = true
	}
	return out
}

func keywordsList(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] {
			continue
		}
		out = append(out, strings.TrimSuffix(f, "s"))
	}
	return out
}

func impression(text string) string {
	idx := strings.Index(strings.ToUpper(text), "IMPRESSION")
	if idx < 0 {
		return ""
	}
	rest := text[idx:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(rest, "\n") {
		clean := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "•*#-"))
		if clean == "" {
			continue
		}
		lines = append(lines, clean)
	}
	return strings.Join(lines, " ")
}
