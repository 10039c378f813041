// Package views renders the HTML pages of the exam flow. The components are
// written in templ; run `templ generate` after editing a .templ file.
package views

import (
	"context"
	"net/url"
	"strconv"

	appI18n "github.com/pavelanni/vocabdash/internal/i18n"
	"github.com/pavelanni/vocabdash/internal/model"
)

// StatusPollInterval is how often a waiting result page asks for news.
const StatusPollInterval = "2s"

// AnswerField is the form field holding the answer to question i.
func AnswerField(i int) string { return "answer_" + strconv.Itoa(i) }

// KindLabel returns the localized name of an exam kind.
func KindLabel(ctx context.Context, kind model.ExamKind) string {
	if !kind.Valid() {
		return string(kind)
	}
	return appI18n.T(ctx, "Kind_"+string(kind))
}

func timeLimit(ctx context.Context, seconds int) string {
	if seconds <= 0 {
		return appI18n.T(ctx, "NoTimeLimit")
	}
	return appI18n.Td(ctx, "TimeLimit", map[string]any{"Seconds": seconds})
}

func trainerPath(basePath, trainerID, suffix string) string {
	return basePath + "/vocab-trainer/" + url.PathEscape(trainerID) + suffix
}

func scoreLine(ctx context.Context, correct, total int) string {
	return appI18n.Td(ctx, "ScoreLine", map[string]any{"Correct": correct, "Total": total})
}

func evaluationScore(ctx context.Context, ev model.Evaluation) string {
	correct, total := ev.Score()
	return scoreLine(ctx, correct, total)
}

func flipCardScore(ctx context.Context, rec model.ExamResultRecord) string {
	correct, total := rec.FlipCardScore()
	return scoreLine(ctx, correct, total)
}

func verdict(ctx context.Context, ok bool) string {
	if ok {
		return appI18n.T(ctx, "Correct")
	}
	return appI18n.T(ctx, "Incorrect")
}

func verdictClass(ok bool) string {
	if ok {
		return "correct"
	}
	return "incorrect"
}

// questionLabel prefers the text the evaluator echoed back and falls back to
// the staged question at index i.
func questionLabel(setup *model.ExamSetup, echoed string, i int) string {
	if echoed != "" {
		return echoed
	}
	return questionText(setup, i)
}

func questionText(setup *model.ExamSetup, i int) string {
	if setup == nil || i < 0 {
		return ""
	}
	switch setup.Kind {
	case model.KindMultipleChoice:
		if i < len(setup.MultipleChoice) {
			return setup.MultipleChoice[i].Question
		}
	case model.KindFillInBlank:
		if i < len(setup.FillInBlank) {
			return setup.FillInBlank[i].Sentence
		}
	case model.KindTranslationAudio:
		if i < len(setup.TranslationAudio) {
			return setup.TranslationAudio[i].SourceText
		}
	}
	return ""
}
