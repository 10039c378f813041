// Package jobwatch correlates one in-flight evaluation job with the state of
// the result page waiting on it.
package jobwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/vocabdash/internal/model"
	"github.com/pavelanni/vocabdash/internal/socket"
)

// GenericFailure is shown when a job fails without a message.
const GenericFailure = "Evaluation failed. Please try again."

var (
	// ErrNoJob is returned by New when the job id is empty.
	ErrNoJob = errors.New("job id is required")
	// ErrNoTimeout is returned by New when no positive timeout is given.
	ErrNoTimeout = errors.New("job timeout must be positive")
	// ErrTimedOut is returned by Wait when the job did not finish in time.
	ErrTimedOut = errors.New("evaluation timed out")
)

// Subscriber is the part of a socket connection a listener needs.
type Subscriber interface {
	On(event string, h socket.Handler) (off func())
}

// Observer is told when a job reaches an outcome.
type Observer interface {
	JobOutcome(channel, outcome string)
}

// State is what the result page renders. At most one of Loading, Result
// and Error is meaningful at a time.
type State struct {
	Loading  bool
	Result   *model.Evaluation
	Error    string
	TimedOut bool
}

// Done reports whether the page has nothing left to wait for.
func (s State) Done() bool {
	return !s.Loading || s.TimedOut
}

// Listener follows one job on one channel.
type Listener struct {
	channel model.Channel
	jobID   string
	timeout time.Duration
	started time.Time
	obs     Observer
	now     func() time.Time

	mu      sync.Mutex
	state   State
	changed chan struct{}
	off     func()
	timed   bool
}

// New returns a listener waiting on jobID. The page starts in the loading
// state. timeout bounds how long the page waits for a terminal status.
func New(channel model.Channel, jobID string, timeout time.Duration, obs Observer) (*Listener, error) {
	if jobID == "" {
		return nil, ErrNoJob
	}
	if timeout <= 0 {
		return nil, ErrNoTimeout
	}
	return &Listener{
		channel: channel,
		jobID:   jobID,
		timeout: timeout,
		started: time.Now(),
		obs:     obs,
		now:     time.Now,
		state:   State{Loading: true},
		changed: make(chan struct{}),
	}, nil
}

// JobID returns the job this listener waits on.
func (l *Listener) JobID() string { return l.jobID }

// Channel returns the event name this listener subscribes to.
func (l *Listener) Channel() model.Channel { return l.channel }

// Attach subscribes to the listener's channel on sub, replacing any earlier
// subscription so handlers never pile up.
func (l *Listener) Attach(sub Subscriber) {
	off := sub.On(string(l.channel), l.Handle)
	l.mu.Lock()
	prev := l.off
	l.off = off
	l.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Detach removes the socket subscription.
func (l *Listener) Detach() {
	l.mu.Lock()
	off := l.off
	l.off = nil
	l.mu.Unlock()
	if off != nil {
		off()
	}
}

// Handle decodes a raw event payload and applies it.
func (l *Listener) Handle(payload json.RawMessage) {
	var ev model.JobEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("ignoring undecodable job event", "channel", l.channel, "error", err)
		return
	}
	l.Apply(ev)
}

// Apply updates the state from ev if ev belongs to this listener's job and
// reports whether it did. Events are applied in arrival order.
func (l *Listener) Apply(ev model.JobEvent) bool {
	if string(ev.JobID) != l.jobID {
		return false
	}

	var next State
	switch ev.Status {
	case model.JobEvaluating:
		l.mu.Lock()
		next = State{Loading: true, Result: l.state.Result}
		l.mu.Unlock()
	case model.JobCompleted:
		result, err := model.DecodeEvaluation(l.channel, ev.Data)
		if err != nil {
			slog.Warn("completed job with unusable payload", "job_id", l.jobID, "error", err)
			next = State{Error: GenericFailure}
			l.outcome("invalid")
			break
		}
		next = State{Result: &result}
		l.outcome("completed")
	case model.JobFailed:
		msg := ev.ErrorMessage()
		if msg == "" {
			msg = GenericFailure
		}
		next = State{Error: msg}
		l.outcome("failed")
	default:
		slog.Debug("ignoring job event with unknown status", "job_id", l.jobID, "status", ev.Status)
		return false
	}

	l.mu.Lock()
	l.state = next
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
	return true
}

// State returns the current state, marking it timed out once the timeout
// has passed without a terminal status.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	if s.Loading && l.now().Sub(l.started) >= l.timeout {
		s.TimedOut = true
		if !l.timed {
			l.timed = true
			l.outcome("timed_out")
		}
	}
	return s
}

// Wait blocks until the job reaches a terminal status, the timeout passes,
// or ctx is done.
func (l *Listener) Wait(ctx context.Context) (State, error) {
	deadline := time.NewTimer(l.timeout - l.now().Sub(l.started))
	defer deadline.Stop()
	for {
		l.mu.Lock()
		s, changed := l.state, l.changed
		l.mu.Unlock()
		if !s.Loading {
			return s, nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			s = l.State()
			if s.TimedOut {
				return s, ErrTimedOut
			}
			return s, fmt.Errorf("%w: deadline passed early", ErrTimedOut)
		case <-ctx.Done():
			return l.State(), ctx.Err()
		}
	}
}

func (l *Listener) outcome(outcome string) {
	if l.obs != nil {
		l.obs.JobOutcome(string(l.channel), outcome)
	}
}
