package inference

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
)

// State of the single request slot.
type State int

const (
	Idle State = iota
	Submitted
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitted:
		return "submitted"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// WaitStatus is the outcome of Wait.
type WaitStatus int

const (
	Ready WaitStatus = iota
	TimedOut
)

func (s WaitStatus) String() string {
	if s == Ready {
		return "ready"
	}
	return "timed_out"
}

// Infinite makes Wait block until the request completes.
const Infinite time.Duration = -1

// SessionStats counts request outcomes for monitoring.
type SessionStats struct {
	Submitted int64         `json:"submitted"`
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	TimedOut  int64         `json:"timed_out"`
	Rejected  int64         `json:"rejected"`
	WaitTime  time.Duration `json:"wait_time_ns"`
}

type SessionOption func(*Session)

// WithClock replaces the wall clock used for wait timeouts.
func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}

// Session owns exactly one inference request (id 0). The runtime executes a
// submitted request outside the calling goroutine; the caller observes
// completion through Wait. A Session is driven by a single goroutine.
type Session struct {
	runner     runner
	descriptor ModelDescriptor
	clock      clock.Clock

	mu     sync.Mutex
	state  State
	done   chan error
	runErr error
	closed bool
	stats  SessionStats
}

func newSession(r runner, desc ModelDescriptor, opts ...SessionOption) *Session {
	s := &Session{
		runner:     r,
		descriptor: desc,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Descriptor() ModelDescriptor {
	return s.descriptor
}

// Submit starts an asynchronous request for tensor. It is valid in Idle and
// Complete (the slot is reused); while a request is Submitted it fails with
// ErrRequestInFlight and nothing is queued.
func (s *Session) Submit(tensor []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.state == Submitted {
		s.stats.Rejected++
		return errors.WithHint(ErrRequestInFlight, "wait for the outstanding request before submitting another")
	}

	input := s.runner.Input()
	if len(tensor) != len(input) {
		return errors.Newf("input tensor has %d values, model %s expects %d",
			len(tensor), s.descriptor.Input, len(input))
	}
	copy(input, tensor)

	done := make(chan error, 1)
	s.done = done
	s.runErr = nil
	s.state = Submitted
	s.stats.Submitted++

	r := s.runner
	go func() {
		done <- r.Run()
	}()
	return nil
}

// Wait blocks until the outstanding request completes or timeout elapses.
// A negative timeout (Infinite) blocks indefinitely; zero polls. On TimedOut
// the request stays Submitted and a later Wait can still collect it. A run
// failure is reported as Ready together with the error.
func (s *Session) Wait(timeout time.Duration) (WaitStatus, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return TimedOut, ErrSessionClosed
	case s.state == Idle:
		s.mu.Unlock()
		return TimedOut, ErrNoRequest
	case s.state == Complete:
		err := s.runErr
		s.mu.Unlock()
		return Ready, err
	}
	done := s.done
	s.mu.Unlock()

	start := s.clock.Now()
	var (
		err   error
		ready bool
	)
	switch {
	case timeout < 0:
		err = <-done
		ready = true
	case timeout == 0:
		select {
		case err = <-done:
			ready = true
		default:
		}
	default:
		timer := s.clock.Timer(timeout)
		select {
		case err = <-done:
			ready = true
			timer.Stop()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.WaitTime += s.clock.Since(start)

	if !ready {
		s.stats.TimedOut++
		return TimedOut, nil
	}

	s.state = Complete
	s.runErr = err
	if err != nil {
		s.stats.Failed++
		return Ready, errors.Wrap(err, "inference request failed")
	}
	s.stats.Completed++
	return Ready, nil
}

// Output returns the named output tensor of the completed request, or the
// model's default output when name is empty. The slice aliases the session's
// buffer and is only valid until the next Submit.
func (s *Session) Output(name string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.state != Complete {
		return nil, errors.Wrapf(ErrNotComplete, "session is %s", s.state)
	}
	if s.runErr != nil {
		return nil, errors.Wrap(s.runErr, "inference request failed")
	}

	if name == "" {
		name = s.descriptor.OutputName()
	}
	data, ok := s.runner.Output(name)
	if !ok {
		return nil, errors.Newf("model has no output %q", name)
	}
	return data, nil
}

func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close waits for an in-flight request to finish and releases the runtime
// buffers. Calling Close again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.state == Submitted
	done := s.done
	s.mu.Unlock()

	if pending {
		<-done
	}
	return s.runner.Destroy()
}
