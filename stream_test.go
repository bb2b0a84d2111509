package mps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSink is an in-memory Sink that caps each "record" at capPerDispatch
// bytes, exercising Writer's multi-dispatch path the same way recordSink
// does against the real record layer.
type fakeSink struct {
	capPerDispatch int
	cur            []byte
	dispatched     [][]byte
}

func (s *fakeSink) Reserve(n int) ([]byte, bool, error) {
	room := s.capPerDispatch - len(s.cur)
	if room <= 0 {
		return nil, true, nil
	}
	needDispatch := n > room
	if needDispatch {
		n = room
	}
	start := len(s.cur)
	s.cur = append(s.cur, make([]byte, n)...)
	return s.cur[start : start+n], needDispatch, nil
}

func (s *fakeSink) Commit(n int) error { return nil }

func (s *fakeSink) Dispatch() error {
	s.dispatched = append(s.dispatched, s.cur)
	s.cur = nil
	return nil
}

func TestWriterSpansMultipleRecords(t *testing.T) {
	sink := &fakeSink{capPerDispatch: 4}
	w := newWriter(sink, 10)
	data := []byte("0123456789")
	for len(data) > 0 {
		buf, err := w.Reserve(len(data))
		require.NoError(t, err)
		n := copy(buf, data)
		require.NoError(t, w.Commit(n))
		data = data[n:]
		if len(data) > 0 {
			require.NoError(t, w.Dispatch())
		}
	}
	require.NoError(t, w.Dispatch())
	require.Equal(t, 10, w.Written())
	require.Equal(t, []byte("0123"), sink.dispatched[0])
	require.Equal(t, []byte("4567"), sink.dispatched[1])
	require.Equal(t, []byte("89"), sink.dispatched[2])
}

func TestWriterRejectsOverDeclaredLength(t *testing.T) {
	sink := &fakeSink{capPerDispatch: 64}
	w := newWriter(sink, 4)
	_, err := w.Reserve(5)
	require.Error(t, err)
}

func TestWriterUnknownLengthRefusesDispatch(t *testing.T) {
	sink := &fakeSink{capPerDispatch: 64}
	w := newWriter(sink, -1)
	buf, err := w.Reserve(3)
	require.NoError(t, err)
	copy(buf, "abc")
	require.NoError(t, w.Commit(3))
	require.Error(t, w.Dispatch())
	require.Error(t, w.Pause())
}

func TestReaderPeekAdvancePause(t *testing.T) {
	r := newReader([]byte("hello world"))
	require.Equal(t, []byte("hello"), r.Peek(5))
	r.Advance(5)
	require.Equal(t, 6, r.Remaining())
	r.Pause("decode-state")
	state, ok := r.Resumed()
	require.True(t, ok)
	require.Equal(t, "decode-state", state)
}

func TestReaderPeekClampsToRemaining(t *testing.T) {
	r := newReader([]byte("ab"))
	require.Equal(t, []byte("ab"), r.Peek(10))
}
