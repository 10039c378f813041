// Package staging hands exam data from one page of the exam flow to the next.
//
// A record is written by one step, read by the next, and deleted when the
// user leaves the flow. It is never a source of truth: the backend owns the
// exam once it has been submitted.
package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pavelanni/vocabdash/internal/model"
)

var (
	// ErrNotStaged means the page was reached without the previous step.
	ErrNotStaged = errors.New("nothing staged")
	// ErrCorrupt means the staged record did not decode; it has been deleted.
	ErrCorrupt = errors.New("staged record corrupt")
)

const examPrefix = "exam_data_"

// ExamKey returns the key of the staged exam setup for a trainer.
func ExamKey(trainerID string) string {
	return examPrefix + trainerID
}

// ResultKey returns the key of the staged result for a trainer. Multiple
// choice and fill-in-blank share a key because they share an evaluation channel.
func ResultKey(kind model.ExamKind, trainerID string) string {
	prefix := string(kind)
	if kind == model.KindMultipleChoice {
		prefix = string(model.KindFillInBlank)
	}
	return prefix + "_result_" + trainerID
}

// CorruptionObserver is told about every record dropped as corrupt.
type CorruptionObserver interface {
	StagingCorrupt(key string)
}

// Stager reads and writes typed exam records on top of a Store.
type Stager struct {
	store    Store
	observer CorruptionObserver
}

// New returns a Stager backed by store. observer may be nil.
func New(store Store, observer CorruptionObserver) *Stager {
	return &Stager{store: store, observer: observer}
}

// SaveExam stages the exam setup for its trainer, replacing any earlier one.
func (s *Stager) SaveExam(ctx context.Context, owner string, setup model.ExamSetup) error {
	if err := setup.Validate(); err != nil {
		return err
	}
	return s.put(ctx, owner, ExamKey(setup.TrainerID), setup)
}

// LoadExam returns the staged exam setup for trainerID.
func (s *Stager) LoadExam(ctx context.Context, owner, trainerID string) (model.ExamSetup, error) {
	var setup model.ExamSetup
	key := ExamKey(trainerID)
	if err := s.get(ctx, owner, key, &setup); err != nil {
		return model.ExamSetup{}, err
	}
	if err := setup.Validate(); err != nil || setup.TrainerID != trainerID {
		return model.ExamSetup{}, s.drop(ctx, owner, key, err)
	}
	return setup, nil
}

// DropExam removes the staged exam setup for trainerID.
func (s *Stager) DropExam(ctx context.Context, owner, trainerID string) error {
	return s.store.Delete(ctx, owner, ExamKey(trainerID))
}

// SaveResult stages a submitted exam for the result page.
func (s *Stager) SaveResult(ctx context.Context, owner string, rec model.ExamResultRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.put(ctx, owner, ResultKey(rec.Kind, rec.TrainerID), rec)
}

// LoadResult returns the staged result of the given kind for trainerID.
func (s *Stager) LoadResult(ctx context.Context, owner string, kind model.ExamKind, trainerID string) (model.ExamResultRecord, error) {
	var rec model.ExamResultRecord
	key := ResultKey(kind, trainerID)
	if err := s.get(ctx, owner, key, &rec); err != nil {
		return model.ExamResultRecord{}, err
	}
	if err := rec.Validate(); err != nil || rec.TrainerID != trainerID || ResultKey(rec.Kind, trainerID) != key {
		return model.ExamResultRecord{}, s.drop(ctx, owner, key, err)
	}
	return rec, nil
}

// FindResult returns whichever staged result exists for trainerID.
func (s *Stager) FindResult(ctx context.Context, owner, trainerID string) (model.ExamResultRecord, error) {
	for _, kind := range []model.ExamKind{model.KindFillInBlank, model.KindTranslationAudio, model.KindFlipCard} {
		rec, err := s.LoadResult(ctx, owner, kind, trainerID)
		if errors.Is(err, ErrNotStaged) {
			continue
		}
		return rec, err
	}
	return model.ExamResultRecord{}, ErrNotStaged
}

// DropResult removes the staged result of the given kind for trainerID.
func (s *Stager) DropResult(ctx context.Context, owner string, kind model.ExamKind, trainerID string) error {
	return s.store.Delete(ctx, owner, ResultKey(kind, trainerID))
}

func (s *Stager) put(ctx context.Context, owner, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.Put(ctx, owner, key, data); err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	return nil
}

func (s *Stager) get(ctx context.Context, owner, key string, v any) error {
	data, ok, err := s.store.Get(ctx, owner, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return ErrNotStaged
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return s.drop(ctx, owner, key, err)
	}
	// Anything after the value, a stray closing delimiter included, is corrupt.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return s.drop(ctx, owner, key, fmt.Errorf("trailing data after record: %v", err))
	}
	return nil
}

// drop deletes a corrupt record and reports ErrCorrupt.
func (s *Stager) drop(ctx context.Context, owner, key string, cause error) error {
	slog.Warn("dropping corrupt staged record", "owner", owner, "key", key, "error", cause)
	if s.observer != nil {
		s.observer.StagingCorrupt(key)
	}
	if err := s.store.Delete(ctx, owner, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrCorrupt, key, err)
	}
	return ErrCorrupt
}
