package provider

import (
	"context"

	"github.com/ricochet1k/taskrelay/internal/domain"
)

// EmitFunc hands one message to the consumer. It blocks until the consumer
// takes it or the run context ends.
type EmitFunc func(msg domain.Message) error

type ProduceFunc func(ctx context.Context, emit EmitFunc) (RunResult, error)

// Stream is the lazy message sequence of one run. The consumer must call
// Next until it returns false or cancel the run context.
type Stream struct {
	ch     chan domain.Message
	cur    domain.Message
	err    error
	result RunResult
}

// NewStream runs produce in its own goroutine and exposes its output.
func NewStream(ctx context.Context, produce ProduceFunc) *Stream {
	s := &Stream{ch: make(chan domain.Message)}
	go func() {
		defer close(s.ch)
		s.result, s.err = produce(ctx, func(msg domain.Message) error {
			select {
			case s.ch <- msg:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return s
}

// NewStaticStream replays fixed messages and then reports result and err.
func NewStaticStream(ctx context.Context, msgs []domain.Message, result RunResult, err error) *Stream {
	return NewStream(ctx, func(ctx context.Context, emit EmitFunc) (RunResult, error) {
		for _, m := range msgs {
			if e := emit(m); e != nil {
				return result, e
			}
		}
		return result, err
	})
}

func (s *Stream) Next() bool {
	msg, ok := <-s.ch
	if !ok {
		return false
	}
	s.cur = msg
	return true
}

func (s *Stream) Current() domain.Message {
	return s.cur
}

// Err is valid once Next has returned false.
func (s *Stream) Err() error {
	return s.err
}

// Result is valid once Next has returned false.
func (s *Stream) Result() RunResult {
	return s.result
}
