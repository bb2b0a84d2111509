package mps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type noteLog struct {
	calls []uint32
}

func (n *noteLog) NoteOldFragment(epoch Epoch, seq uint32) (bool, error) {
	n.calls = append(n.calls, seq)
	return false, nil
}

func TestReassemblerNoFragmentationFastPath(t *testing.T) {
	r := NewReassembler(2, nil)
	avail, err := r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 5, Offset: 0, FragLen: 5, Body: []byte("hello")})
	require.NoError(t, err)
	require.True(t, avail)

	msg, ok := r.Available()
	require.True(t, ok)
	require.Equal(t, []byte("hello"), msg.Body)
}

func TestReassemblerWindowedMerge(t *testing.T) {
	r := NewReassembler(2, nil)
	avail, err := r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 10, Offset: 5, FragLen: 5, Body: []byte("world")})
	require.NoError(t, err)
	require.False(t, avail)

	avail, err = r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 10, Offset: 0, FragLen: 5, Body: []byte("hello")})
	require.NoError(t, err)
	require.True(t, avail)

	msg, ok := r.Available()
	require.True(t, ok)
	require.Equal(t, []byte("helloworld"), msg.Body)
}

func TestReassemblerOverlapAgreement(t *testing.T) {
	r := NewReassembler(0, nil)
	_, err := r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 6, Offset: 0, FragLen: 4, Body: []byte("abcd")})
	require.NoError(t, err)
	_, err = r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 6, Offset: 2, FragLen: 4, Body: []byte("cdef")})
	require.NoError(t, err)
	msg, ok := r.Available()
	require.True(t, ok)
	require.Equal(t, []byte("abcdef"), msg.Body)
}

func TestReassemblerOverlapDisagreementFails(t *testing.T) {
	r := NewReassembler(0, nil)
	_, err := r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 6, Offset: 0, FragLen: 4, Body: []byte("abcd")})
	require.NoError(t, err)
	_, err = r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 6, Offset: 2, FragLen: 4, Body: []byte("XYef")})
	require.Error(t, err)
}

func TestReassemblerFutureBufferAndConsume(t *testing.T) {
	r := NewReassembler(2, nil)
	avail, err := r.Feed(&HandshakeFragment{Type: 1, Seq: 1, TotalLen: 3, Offset: 0, FragLen: 3, Body: []byte("one")})
	require.NoError(t, err)
	require.False(t, avail)

	avail, err = r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 3, Offset: 0, FragLen: 3, Body: []byte("zed")})
	require.NoError(t, err)
	require.True(t, avail)

	msg, _ := r.Available()
	require.Equal(t, []byte("zed"), msg.Body)

	nowAvail := r.Consume()
	require.True(t, nowAvail)
	msg, _ = r.Available()
	require.Equal(t, []byte("one"), msg.Body)
	require.Equal(t, uint32(1), r.NextExpected())
}

func TestReassemblerStaleFragmentRoutedToDetection(t *testing.T) {
	log := &noteLog{}
	r := NewReassembler(1, log)
	_, _ = r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 1, Offset: 0, FragLen: 1, Body: []byte("a")})
	r.Consume()
	_, err := r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 1, Offset: 0, FragLen: 1, Body: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, log.calls)
}

func TestReassemblerOverflowFails(t *testing.T) {
	r := NewReassembler(0, nil)
	_, err := r.Feed(&HandshakeFragment{Type: 1, Seq: 0, TotalLen: 4, Offset: 2, FragLen: 4, Body: []byte("abcd")})
	require.Error(t, err)
}
