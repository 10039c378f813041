package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Channel is the name of a job-progress socket event.
type Channel string

const (
	// ChannelFillInBlank carries multiple-choice and fill-in-blank evaluations.
	ChannelFillInBlank Channel = "fill-in-blank-evaluation-progress"
	// ChannelTranslationAudio carries translation-audio evaluations.
	ChannelTranslationAudio Channel = "translation-audio-evaluation-progress"
)

// JobStatus is the server-reported state of an evaluation job.
type JobStatus string

const (
	JobEvaluating JobStatus = "evaluating"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobID is an opaque job identifier. It decodes from a JSON string or number
// so comparisons are always done on the string form.
type JobID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *JobID) UnmarshalJSON(data []byte) error {
	s, err := decodeID(data)
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	*id = JobID(s)
	return nil
}

// decodeID reads an identifier sent as a string, a number or null. Numbers
// are canonicalized, so 7, 7.0 and 7e0 all yield "7".
func decodeID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", err
	}
	return canonicalNumber(n.String())
}

func canonicalNumber(s string) (string, error) {
	// Integers within 64 bits keep every digit.
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return strconv.FormatUint(u, 10), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// JobEvent is one job-progress message pushed by the backend.
type JobEvent struct {
	JobID     JobID           `json:"jobId"`
	Status    JobStatus       `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// ErrorMessage returns the server-supplied failure message, looking at the
// top-level error field first and then data.error / data.message.
func (e JobEvent) ErrorMessage() string {
	if e.Error != "" {
		return e.Error
	}
	if len(e.Data) == 0 {
		return ""
	}
	var d struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	if d.Error != "" {
		return d.Error
	}
	return d.Message
}

// AnswerEvaluation is the verdict for one multiple-choice or fill-in-blank answer.
type AnswerEvaluation struct {
	QuestionIndex int     `json:"questionIndex"`
	Question      string  `json:"question,omitempty"`
	UserAnswer    string  `json:"userAnswer"`
	CorrectAnswer string  `json:"correctAnswer,omitempty"`
	IsCorrect     bool    `json:"isCorrect"`
	Score         float64 `json:"score,omitempty"`
	Feedback      string  `json:"feedback,omitempty"`
}

// AudioEvaluation is the verdict for one translated audio phrase.
type AudioEvaluation struct {
	QuestionIndex int     `json:"questionIndex"`
	SourceText    string  `json:"sourceText,omitempty"`
	UserAnswer    string  `json:"userAnswer"`
	Transcript    string  `json:"transcript,omitempty"`
	Score         float64 `json:"score"`
	IsCorrect     bool    `json:"isCorrect"`
	Feedback      string  `json:"feedback,omitempty"`
}

// FillInBlankEvaluation is the completed payload on ChannelFillInBlank.
type FillInBlankEvaluation struct {
	Results []AnswerEvaluation `json:"results"`
}

// TranslationAudioEvaluation is the completed payload on ChannelTranslationAudio.
type TranslationAudioEvaluation struct {
	Results      []AudioEvaluation `json:"results"`
	OverallScore float64           `json:"overallScore"`
}

// Evaluation is a completed job result; exactly one variant is set.
type Evaluation struct {
	Channel          Channel
	FillInBlank      *FillInBlankEvaluation
	TranslationAudio *TranslationAudioEvaluation
}

// ErrInvalidEvaluation is returned when a completed payload does not decode.
var ErrInvalidEvaluation = errors.New("invalid evaluation payload")

// DecodeEvaluation decodes the data of a completed event for the given channel.
func DecodeEvaluation(ch Channel, data json.RawMessage) (Evaluation, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Evaluation{}, fmt.Errorf("%w: empty data", ErrInvalidEvaluation)
	}
	ev := Evaluation{Channel: ch}
	switch ch {
	case ChannelFillInBlank:
		var v FillInBlankEvaluation
		if err := json.Unmarshal(data, &v); err != nil {
			return Evaluation{}, fmt.Errorf("%w: %v", ErrInvalidEvaluation, err)
		}
		if v.Results == nil {
			return Evaluation{}, fmt.Errorf("%w: missing results", ErrInvalidEvaluation)
		}
		ev.FillInBlank = &v
	case ChannelTranslationAudio:
		var v TranslationAudioEvaluation
		if err := json.Unmarshal(data, &v); err != nil {
			return Evaluation{}, fmt.Errorf("%w: %v", ErrInvalidEvaluation, err)
		}
		if v.Results == nil {
			return Evaluation{}, fmt.Errorf("%w: missing results", ErrInvalidEvaluation)
		}
		ev.TranslationAudio = &v
	default:
		return Evaluation{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidEvaluation, ch)
	}
	return ev, nil
}

// Score returns the number of correct answers and the number of answers.
func (e Evaluation) Score() (correct, total int) {
	switch {
	case e.FillInBlank != nil:
		for _, r := range e.FillInBlank.Results {
			if r.IsCorrect {
				correct++
			}
		}
		return correct, len(e.FillInBlank.Results)
	case e.TranslationAudio != nil:
		for _, r := range e.TranslationAudio.Results {
			if r.IsCorrect {
				correct++
			}
		}
		return correct, len(e.TranslationAudio.Results)
	}
	return 0, 0
}

// SameAnswer compares answers ignoring case and surrounding whitespace.
func SameAnswer(a, b string) bool {
	return normalizeAnswer(a) == normalizeAnswer(b)
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
