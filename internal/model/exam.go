package model

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// ExamKind identifies which question shape an exam carries.
type ExamKind string

const (
	KindMultipleChoice   ExamKind = "multiple_choice"
	KindFillInBlank      ExamKind = "fill_in_blank"
	KindFlipCard         ExamKind = "flip_card"
	KindTranslationAudio ExamKind = "translation_audio"
)

// Valid reports whether k is one of the known exam kinds.
func (k ExamKind) Valid() bool {
	switch k {
	case KindMultipleChoice, KindFillInBlank, KindFlipCard, KindTranslationAudio:
		return true
	}
	return false
}

// Channel returns the job-progress event an exam of this kind is evaluated
// on. Flip card exams are scored locally and have no channel.
func (k ExamKind) Channel() (Channel, bool) {
	switch k {
	case KindMultipleChoice, KindFillInBlank:
		return ChannelFillInBlank, true
	case KindTranslationAudio:
		return ChannelTranslationAudio, true
	}
	return "", false
}

// MultipleChoiceQuestion is one question of a multiple-choice exam.
type MultipleChoiceQuestion struct {
	VocabID       string   `json:"vocabId,omitempty"`
	Question      string   `json:"question" validate:"required"`
	Options       []string `json:"options" validate:"min=2,dive,required"`
	CorrectAnswer string   `json:"correctAnswer" validate:"required"`
}

// FillInBlankQuestion is one sentence with a blank to fill.
type FillInBlankQuestion struct {
	VocabID       string `json:"vocabId,omitempty"`
	Sentence      string `json:"sentence" validate:"required"`
	Hint          string `json:"hint,omitempty"`
	CorrectAnswer string `json:"correctAnswer" validate:"required"`
}

// FlipCard is a front/back card.
type FlipCard struct {
	VocabID string `json:"vocabId,omitempty"`
	Front   string `json:"front" validate:"required"`
	Back    string `json:"back" validate:"required"`
}

// TranslationAudioQuestion asks the user to translate a spoken phrase.
type TranslationAudioQuestion struct {
	VocabID        string `json:"vocabId,omitempty"`
	AudioURL       string `json:"audioUrl" validate:"required,url"`
	SourceText     string `json:"sourceText" validate:"required"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

// ExamSetup is the exam payload staged between the trainer list and the
// exam page. Exactly one question list, the one matching Kind, is set.
type ExamSetup struct {
	Kind             ExamKind                   `json:"kind" validate:"required"`
	TrainerID        string                     `json:"trainerId" validate:"required"`
	TrainerName      string                     `json:"trainerName,omitempty"`
	TimeLimit        int                        `json:"timeLimit" validate:"gte=0"`
	MultipleChoice   []MultipleChoiceQuestion   `json:"multipleChoice,omitempty" validate:"dive"`
	FillInBlank      []FillInBlankQuestion      `json:"fillInBlank,omitempty" validate:"dive"`
	FlipCards        []FlipCard                 `json:"flipCards,omitempty" validate:"dive"`
	TranslationAudio []TranslationAudioQuestion `json:"translationAudio,omitempty" validate:"dive"`
}

// ErrInvalidExam is returned by Validate for any malformed exam payload.
var ErrInvalidExam = errors.New("invalid exam payload")

var validate = validator.New()

// Len returns the number of questions of the exam's own kind.
func (e ExamSetup) Len() int {
	switch e.Kind {
	case KindMultipleChoice:
		return len(e.MultipleChoice)
	case KindFillInBlank:
		return len(e.FillInBlank)
	case KindFlipCard:
		return len(e.FlipCards)
	case KindTranslationAudio:
		return len(e.TranslationAudio)
	}
	return 0
}

// Validate checks field constraints and that only the list matching Kind
// is populated.
func (e ExamSetup) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidExam, e.Kind)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExam, err)
	}
	total := len(e.MultipleChoice) + len(e.FillInBlank) + len(e.FlipCards) + len(e.TranslationAudio)
	if e.Len() == 0 {
		return fmt.Errorf("%w: no %s questions", ErrInvalidExam, e.Kind)
	}
	if total != e.Len() {
		return fmt.Errorf("%w: questions of another kind present", ErrInvalidExam)
	}
	return nil
}

// Answers maps a question index to the answer the user gave.
type Answers map[int]string

// Indexes returns the answered question indexes in ascending order.
func (a Answers) Indexes() []int {
	idx := make([]int, 0, len(a))
	for i := range a {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// ExamResultRecord is staged by the submit step for the result page.
type ExamResultRecord struct {
	Kind        ExamKind   `json:"kind" validate:"required"`
	TrainerID   string     `json:"trainerId" validate:"required"`
	JobID       string     `json:"jobId,omitempty"`
	TimeElapsed int        `json:"timeElapsed" validate:"gte=0"`
	Setup       *ExamSetup `json:"setup,omitempty"`
	Answers     Answers    `json:"answers,omitempty"`
}

// Validate checks that the record carries what its kind needs: a job id for
// kinds evaluated by the backend, the original questions for flip cards.
func (r ExamResultRecord) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidExam, r.Kind)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExam, err)
	}
	if _, async := r.Kind.Channel(); async && r.JobID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidExam)
	}
	if r.Kind == KindFlipCard && r.Setup == nil {
		return fmt.Errorf("%w: flip card result without questions", ErrInvalidExam)
	}
	if r.Setup != nil {
		if r.Setup.Kind != r.Kind {
			return fmt.Errorf("%w: setup kind %q does not match %q", ErrInvalidExam, r.Setup.Kind, r.Kind)
		}
		if err := r.Setup.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FlipCardScore counts answers that match the card back, ignoring case and
// surrounding whitespace.
func (r ExamResultRecord) FlipCardScore() (correct, total int) {
	if r.Setup == nil {
		return 0, 0
	}
	for i, card := range r.Setup.FlipCards {
		if SameAnswer(r.Answers[i], card.Back) {
			correct++
		}
	}
	return correct, len(r.Setup.FlipCards)
}
