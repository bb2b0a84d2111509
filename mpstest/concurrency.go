package mpstest

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Serializer is the "optional coarse mutex" the design permits around read,
// write, and timer-tick when an external timer callback arrives on its own
// flow of control: a weighted semaphore of weight 1 behaves as a mutex, and
// its TryAcquire backs the non-blocking TryDo used for a timer tick.
type Serializer struct {
	sem *semaphore.Weighted
}

func NewSerializer() *Serializer {
	return &Serializer{sem: semaphore.NewWeighted(1)}
}

// Do runs fn while holding the serializer, blocking until any other holder
// (read path, write path, or timer tick) releases it.
func (s *Serializer) Do(fn func()) error {
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	fn()
	return nil
}

// TryDo runs fn only if the serializer is immediately free, mirroring the
// design's requirement that a timer tick "must not block arbitrarily" -- it
// skips the tick rather than waiting behind a read or write in progress.
func (s *Serializer) TryDo(fn func()) bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	defer s.sem.Release(1)
	fn()
	return true
}
