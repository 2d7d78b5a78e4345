package feedback

import (
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

var (
	correctionPhrases = []string{"should be", "actually", "instead", "better"}
	negativeWords     = []string{"false", "incorrect", "disagree", "wrong", "not", "nope"}
	positiveWords     = []string{"thanks", "helpful", "correct", "agree", "good"}
)

// ClassifyReaction maps a source-host reaction name to a feedback type.
func ClassifyReaction(reaction string) models.FeedbackType {
	switch strings.ToLower(strings.TrimSpace(reaction)) {
	case "+1", "thumbs_up", "heart", "hooray":
		return models.FeedbackPositive
	case "-1", "thumbs_down":
		return models.FeedbackNegative
	}
	return models.FeedbackNeutral
}

// ClassifyReply applies keyword heuristics to a comment reply. Keywords
// match whole words, so "incorrect" never counts as "correct". Correction
// phrases win over negative keywords, which win over positive ones. For a
// correction the text following the phrase is returned, or the whole reply
// when nothing follows it.
func ClassifyReply(text string) (models.FeedbackType, string) {
	lower := strings.ToLower(text)
	words := tokenize(lower)

	for _, phrase := range correctionPhrases {
		idx := phraseIndex(lower, phrase)
		if idx < 0 {
			continue
		}
		src := text
		if len(src) != len(lower) {
			src = lower
		}
		correction := strings.TrimSpace(src[idx+len(phrase):])
		correction = strings.TrimLeft(correction, ":,.- ")
		if correction == "" {
			correction = strings.TrimSpace(text)
		}
		return models.FeedbackCorrection, correction
	}
	if containsAny(lower, words, negativeWords) {
		return models.FeedbackNegative, ""
	}
	if containsAny(lower, words, positiveWords) {
		return models.FeedbackPositive, ""
	}
	return models.FeedbackNeutral, ""
}

// containsAny matches single keywords as whole words and multi-word
// phrases on word boundaries.
func containsAny(lower string, words map[string]struct{}, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(k, " ") {
			if phraseIndex(lower, k) >= 0 {
				return true
			}
			continue
		}
		if _, ok := words[k]; ok {
			return true
		}
	}
	return false
}

func tokenize(lower string) map[string]struct{} {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	words := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		words[strings.Trim(f, "'")] = struct{}{}
	}
	return words
}

// phraseIndex returns the byte offset of phrase in lower where it starts
// and ends on a word boundary, or -1.
func phraseIndex(lower, phrase string) int {
	from := 0
	for {
		i := strings.Index(lower[from:], phrase)
		if i < 0 {
			return -1
		}
		start, end := from+i, from+i+len(phrase)
		if boundary(lower, start-1) && boundary(lower, end) {
			return start
		}
		from = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := rune(s[i])
	return !unicode.IsLetter(c) && !unicode.IsDigit(c)
}
