package staging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/vocabdash/internal/model"
)

func newTestSQLStore(t *testing.T, ttl time.Duration) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(":memory:", ttl)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type countingObserver struct{ keys []string }

func (c *countingObserver) StagingCorrupt(key string) { c.keys = append(c.keys, key) }

func sampleExams() []model.ExamSetup {
	return []model.ExamSetup{
		{
			Kind: model.KindMultipleChoice, TrainerID: "t1", TrainerName: "Spanish", TimeLimit: 300,
			MultipleChoice: []model.MultipleChoiceQuestion{
				{VocabID: "v1", Question: "perro", Options: []string{"dog", "cat", "bird"}, CorrectAnswer: "dog"},
			},
		},
		{
			Kind: model.KindFillInBlank, TrainerID: "t2",
			FillInBlank: []model.FillInBlankQuestion{
				{Sentence: "El ___ ladra", Hint: "animal", CorrectAnswer: "perro"},
				{Sentence: "La ___ es roja", CorrectAnswer: "manzana"},
			},
		},
		{
			Kind: model.KindFlipCard, TrainerID: "t3",
			FlipCards: []model.FlipCard{{Front: "uno", Back: "one"}},
		},
		{
			Kind: model.KindTranslationAudio, TrainerID: "t4",
			TranslationAudio: []model.TranslationAudioQuestion{
				{AudioURL: "https://cdn.example.com/a.mp3", SourceText: "hola", TargetLanguage: "en"},
			},
		},
	}
}

func TestExamRoundTrip(t *testing.T) {
	for _, store := range map[string]Store{"memory": NewMemoryStore(), "sqlite": newTestSQLStore(t, 0)} {
		st := New(store, nil)
		for _, exam := range sampleExams() {
			t.Run(string(exam.Kind), func(t *testing.T) {
				ctx := context.Background()
				require.NoError(t, st.SaveExam(ctx, "u1", exam))
				got, err := st.LoadExam(ctx, "u1", exam.TrainerID)
				require.NoError(t, err)
				assert.Equal(t, exam, got)
			})
		}
	}
}

func TestResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryStore(), nil)

	flip := sampleExams()[2]
	records := []model.ExamResultRecord{
		{Kind: model.KindMultipleChoice, TrainerID: "t1", JobID: "j1", TimeElapsed: 42},
		{Kind: model.KindTranslationAudio, TrainerID: "t4", JobID: "j9", TimeElapsed: 7, Answers: model.Answers{0: "hello"}},
		{Kind: model.KindFlipCard, TrainerID: "t3", TimeElapsed: 3, Setup: &flip, Answers: model.Answers{0: "one"}},
	}
	for _, rec := range records {
		require.NoError(t, st.SaveResult(ctx, "u1", rec))
		got, err := st.LoadResult(ctx, "u1", rec.Kind, rec.TrainerID)
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		found, err := st.FindResult(ctx, "u1", rec.TrainerID)
		require.NoError(t, err)
		assert.Equal(t, rec, found)
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "exam_data_t1", ExamKey("t1"))
	assert.Equal(t, "fill_in_blank_result_t1", ResultKey(model.KindMultipleChoice, "t1"))
	assert.Equal(t, "fill_in_blank_result_t1", ResultKey(model.KindFillInBlank, "t1"))
	assert.Equal(t, "translation_audio_result_t1", ResultKey(model.KindTranslationAudio, "t1"))
	assert.Equal(t, "flip_card_result_t1", ResultKey(model.KindFlipCard, "t1"))
}

func TestLaterWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	st := New(store, nil)

	first := sampleExams()[0]
	second := first
	second.TrainerName = "Spanish II"
	require.NoError(t, st.SaveExam(ctx, "u1", first))
	require.NoError(t, st.SaveExam(ctx, "u1", second))

	got, err := st.LoadExam(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "Spanish II", got.TrainerName)
}

func TestOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryStore(), nil)
	require.NoError(t, st.SaveExam(ctx, "u1", sampleExams()[0]))

	_, err := st.LoadExam(ctx, "u2", "t1")
	assert.ErrorIs(t, err, ErrNotStaged)
}

func TestMissingRecord(t *testing.T) {
	st := New(NewMemoryStore(), nil)
	_, err := st.LoadExam(context.Background(), "u1", "t1")
	assert.ErrorIs(t, err, ErrNotStaged)
	_, err = st.FindResult(context.Background(), "u1", "t1")
	assert.ErrorIs(t, err, ErrNotStaged)
}

func TestCorruptRecordIsDropped(t *testing.T) {
	inputs := map[string]string{
		"empty":          ``,
		"not json":       `{{{`,
		"truncated":      `{"kind":"multiple_choice","trainerId":"t1"`,
		"array":          `[1,2,3]`,
		"wrong types":    `{"kind":5,"trainerId":"t1"}`,
		"unknown field":  `{"kind":"flip_card","trainerId":"t1","flipCards":[{"front":"a","back":"b"}],"extra":true}`,
		"fails validate": `{"kind":"flip_card","trainerId":"t1"}`,
		"other trainer":  `{"kind":"flip_card","trainerId":"t2","flipCards":[{"front":"a","back":"b"}]}`,
		"trailing data":  `{"kind":"flip_card","trainerId":"t1","flipCards":[{"front":"a","back":"b"}]} x`,
		"null":           `null`,
		"trailing brace": `{"kind":"flip_card","trainerId":"t1","flipCards":[{"front":"a","back":"b"}]}}`,
		"trailing brack": `{"kind":"flip_card","trainerId":"t1","flipCards":[{"front":"a","back":"b"}]}]`,
		"two braces":     `{"kind":"flip_card","trainerId":"t1","flipCards":[{"front":"a","back":"b"}]}}}`,
		"second record":  `{"kind":"flip_card","trainerId":"t1","flipCards":[{"front":"a","back":"b"}]} {}`,
	}
	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			obs := &countingObserver{}
			st := New(store, obs)
			require.NoError(t, store.Put(ctx, "u1", ExamKey("t1"), []byte(raw)))

			_, err := st.LoadExam(ctx, "u1", "t1")
			assert.ErrorIs(t, err, ErrCorrupt)

			_, ok, err := store.Get(ctx, "u1", ExamKey("t1"))
			require.NoError(t, err)
			assert.False(t, ok, "corrupt key must be removed")
			assert.Equal(t, []string{"exam_data_t1"}, obs.keys)

			_, err = st.LoadExam(ctx, "u1", "t1")
			assert.ErrorIs(t, err, ErrNotStaged)
		})
	}
}

func TestTrailingWhitespaceIsAccepted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	st := New(store, nil)
	raw := `{"kind":"flip_card","trainerId":"t1","flipCards":[{"front":"a","back":"b"}]}` + "\n\t "
	require.NoError(t, store.Put(ctx, "u1", ExamKey("t1"), []byte(raw)))

	setup, err := st.LoadExam(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, model.KindFlipCard, setup.Kind)
}

func TestCorruptResultIsDropped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	st := New(store, nil)
	key := ResultKey(model.KindFillInBlank, "t1")
	require.NoError(t, store.Put(ctx, "u1", key, []byte(`{"kind":"fill_in_blank","trainerId":"t1"}`)))

	_, err := st.LoadResult(ctx, "u1", model.KindFillInBlank, "t1")
	assert.ErrorIs(t, err, ErrCorrupt)
	_, ok, _ := store.Get(ctx, "u1", key)
	assert.False(t, ok)
}

func TestSaveRejectsInvalid(t *testing.T) {
	st := New(NewMemoryStore(), nil)
	err := st.SaveExam(context.Background(), "u1", model.ExamSetup{Kind: model.KindFlipCard, TrainerID: "t1"})
	assert.ErrorIs(t, err, model.ErrInvalidExam)
	err = st.SaveResult(context.Background(), "u1", model.ExamResultRecord{Kind: model.KindFillInBlank, TrainerID: "t1"})
	assert.ErrorIs(t, err, model.ErrInvalidExam)
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryStore(), nil)
	require.NoError(t, st.SaveExam(ctx, "u1", sampleExams()[0]))
	require.NoError(t, st.DropExam(ctx, "u1", "t1"))
	_, err := st.LoadExam(ctx, "u1", "t1")
	assert.ErrorIs(t, err, ErrNotStaged)

	rec := model.ExamResultRecord{Kind: model.KindMultipleChoice, TrainerID: "t1", JobID: "j1"}
	require.NoError(t, st.SaveResult(ctx, "u1", rec))
	require.NoError(t, st.DropResult(ctx, "u1", model.KindFillInBlank, "t1"))
	_, err = st.FindResult(ctx, "u1", "t1")
	assert.ErrorIs(t, err, ErrNotStaged)
}

func TestSQLStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t, 20*time.Millisecond)
	require.NoError(t, s.Put(ctx, "u1", "a", []byte("1")))
	require.NoError(t, s.Put(ctx, "u1", "b", []byte("2")))

	v, ok, err := s.Get(ctx, "u1", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	time.Sleep(50 * time.Millisecond)

	_, ok, err = s.Get(ctx, "u1", "a")
	require.NoError(t, err)
	assert.False(t, ok, "expired record must not be returned")

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLStoreOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLStore(t, 0)
	require.NoError(t, s.Put(ctx, "u1", "k", []byte("old")))
	require.NoError(t, s.Put(ctx, "u1", "k", []byte("new")))
	v, ok, err := s.Get(ctx, "u1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v)

	require.NoError(t, s.Delete(ctx, "u1", "k"))
	require.NoError(t, s.Delete(ctx, "u1", "k"))
	_, ok, err = s.Get(ctx, "u1", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
