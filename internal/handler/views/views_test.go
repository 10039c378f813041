package views

import (
	"context"
	"strings"
	"testing"

	"github.com/a-h/templ"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appI18n "github.com/pavelanni/vocabdash/internal/i18n"
	"github.com/pavelanni/vocabdash/internal/jobwatch"
	"github.com/pavelanni/vocabdash/internal/model"
)

func renderString(t *testing.T, ctx context.Context, c templ.Component) string {
	t.Helper()
	var sb strings.Builder
	require.NoError(t, c.Render(ctx, &sb))
	return sb.String()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))
	ctx := model.ContextWithCSRFToken(context.Background(), "tok-1")
	return model.ContextWithUser(ctx, &model.User{ID: "u1", Name: "Ann"})
}

func TestLayoutWrapsChildren(t *testing.T) {
	ctx := testContext(t)
	body := templ.Raw(`<p id="inner">hi</p>`)
	html := renderString(t, templ.WithChildren(ctx, body), Layout("/app", "Title"))

	assert.True(t, strings.HasPrefix(html, "<!doctype html>"))
	assert.Contains(t, html, `<main><p id="inner">hi</p></main>`)
	assert.Contains(t, html, `<a href="/app/vocab-trainer">`)
	assert.Contains(t, html, `action="/app/logout"`)
	assert.Contains(t, html, `name="csrf_token" value="tok-1"`)
	assert.Contains(t, html, "Ann")
}

func TestLayoutWithoutUserHasNoSignOut(t *testing.T) {
	require.NoError(t, appI18n.Init("en"))
	html := renderString(t, context.Background(), LoginPage("", "a@b.c", ""))
	assert.NotContains(t, html, "/logout")
	assert.Contains(t, html, `value="a@b.c"`)
}

func TestTextIsEscaped(t *testing.T) {
	ctx := testContext(t)
	html := renderString(t, ctx, ErrorPage("", 500, `<script>alert("x")</script>`))
	assert.NotContains(t, html, `<script>alert`)
	assert.Contains(t, html, "&lt;script&gt;")
	assert.Contains(t, html, `<p class="status">500</p>`)
}

func TestUnsafeURLsAreSanitized(t *testing.T) {
	ctx := testContext(t)
	setup := model.ExamSetup{
		Kind:        model.KindTranslationAudio,
		TrainerID:   "t1",
		TrainerName: "Audio",
		TranslationAudio: []model.TranslationAudioQuestion{
			{AudioURL: "javascript:alert(1)", SourceText: "Hallo"},
			{AudioURL: "https://cdn.test/a.mp3", SourceText: "Tschüss"},
		},
	}
	html := renderString(t, ctx, ExamPage("", setup))
	assert.NotContains(t, html, "javascript:")
	assert.Contains(t, html, `src="about:invalid#TemplFailedSanitizationURL"`)
	assert.Contains(t, html, `src="https://cdn.test/a.mp3"`)
	assert.Contains(t, html, `name="answer_1"`)
}

func TestTrainerIDIsPathEscaped(t *testing.T) {
	ctx := testContext(t)
	trainers := []model.Trainer{{ID: "a b/c", Name: "Odd", QuestionType: model.KindFlipCard}}
	html := renderString(t, ctx, TrainerListPage("", trainers))
	assert.Contains(t, html, `action="/vocab-trainer/a%20b%2Fc/start"`)
}

func TestExamPageCountdown(t *testing.T) {
	ctx := testContext(t)
	setup := model.ExamSetup{
		Kind:        model.KindFlipCard,
		TrainerID:   "t2",
		TrainerName: "Cards",
		TimeLimit:   30,
		FlipCards:   []model.FlipCard{{Front: "Hund", Back: "dog"}},
	}
	html := renderString(t, ctx, ExamPage("", setup))
	assert.Contains(t, html, `<span id="countdown">30</span>`)
	assert.Contains(t, html, `data-limit="30"`)
	assert.Contains(t, html, `data-leave="/vocab-trainer/t2/exam/leave"`)
	assert.Contains(t, html, "navigator.sendBeacon")

	setup.TimeLimit = 0
	html = renderString(t, ctx, ExamPage("", setup))
	assert.NotContains(t, html, "countdown\">")
}

func TestResultStatusStates(t *testing.T) {
	ctx := testContext(t)
	rec := model.ExamResultRecord{Kind: model.KindFillInBlank, TrainerID: "t1", JobID: "j1"}

	tests := []struct {
		name    string
		state   jobwatch.State
		live    bool
		want    []string
		notWant []string
	}{
		{
			name:    "loading live",
			state:   jobwatch.State{Loading: true},
			live:    true,
			want:    []string{`hx-get="/vocab-trainer/t1/result/status"`, `hx-trigger="every 2s"`},
			notWant: []string{`class="note"`},
		},
		{
			name:  "loading without socket",
			state: jobwatch.State{Loading: true},
			want:  []string{`class="note"`},
		},
		{
			name:    "timed out",
			state:   jobwatch.State{Loading: true, TimedOut: true},
			want:    []string{`class="timed-out"`, `action="/vocab-trainer/t1/result/retry"`, `value="tok-1"`, "Try again"},
			notWant: []string{"hx-trigger"},
		},
		{
			name:  "failed",
			state: jobwatch.State{Error: "model unavailable"},
			want:  []string{`class="failed"`, "model unavailable"},
		},
		{
			name: "completed",
			state: jobwatch.State{Result: &model.Evaluation{FillInBlank: &model.FillInBlankEvaluation{Results: []model.AnswerEvaluation{
				{QuestionIndex: 0, Question: "I ___ home", UserAnswer: "go", IsCorrect: true},
				{QuestionIndex: 1, Question: "She ___", UserAnswer: "run", CorrectAnswer: "runs", Feedback: "Add -s."},
			}}}},
			want: []string{`class="completed"`, "1 of 2 correct", `<li class="correct">`, `<li class="incorrect">`, "runs", "Add -s."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html := renderString(t, ctx, ResultStatus("", rec, tt.state, tt.live))
			for _, s := range tt.want {
				assert.Contains(t, html, s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, html, s)
			}
		})
	}
}

func TestFlipCardResultFallsBackToSetup(t *testing.T) {
	ctx := testContext(t)
	rec := model.ExamResultRecord{
		Kind:      model.KindFlipCard,
		TrainerID: "t2",
		Setup: &model.ExamSetup{Kind: model.KindFlipCard, TrainerID: "t2", FlipCards: []model.FlipCard{
			{Front: "Hund", Back: "dog"},
			{Front: "Katze", Back: "cat"},
		}},
		Answers: model.Answers{0: "Dog"},
	}
	html := renderString(t, ctx, ResultPage("", rec, FlipCardResult(rec)))
	assert.Contains(t, html, "1 of 2 correct")
	assert.Contains(t, html, "Katze")
	assert.Contains(t, html, `action="/vocab-trainer/t2/result/done"`)
}

func TestQuestionLabel(t *testing.T) {
	setup := &model.ExamSetup{Kind: model.KindFillInBlank, FillInBlank: []model.FillInBlankQuestion{{Sentence: "I ___ home"}}}
	assert.Equal(t, "echoed", questionLabel(setup, "echoed", 0))
	assert.Equal(t, "I ___ home", questionLabel(setup, "", 0))
	assert.Equal(t, "", questionLabel(setup, "", 3))
	assert.Equal(t, "", questionLabel(nil, "", 0))
}
