package mps

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/transport-security/mps/mpstest"
)

// TestSingleOwnerWriterRejectsSecondOpen exercises the §5 rule that no
// user-visible handle outlives a single write/dispatch pair: a second
// WriteApplication call while one is outstanding must fail, not hand out a
// second live handle.
func TestSingleOwnerWriterRejectsSecondOpen(t *testing.T) {
	client, _ := newContextPair(t, ModeStream)

	w, err := client.WriteApplication()
	require.NoError(t, err)
	require.NotNil(t, w)

	_, err = client.WriteApplication()
	require.Error(t, err)

	require.NoError(t, client.Dispatch())
	w2, err := client.WriteApplication()
	require.NoError(t, err)
	require.NotNil(t, w2)
}

// TestSerializerSkipsTickDuringReadWrite models the §5 "optional coarse
// mutex" permitted when a timer callback arrives on its own flow of
// control: a tick must not block arbitrarily, so it is skipped rather than
// queued behind an in-progress read/write section.
func TestSerializerSkipsTickDuringReadWrite(t *testing.T) {
	ser := mpstest.NewSerializer()

	held := make(chan struct{})
	release := make(chan struct{})
	go ser.Do(func() {
		close(held)
		<-release
	})
	<-held

	ticked := ser.TryDo(func() {})
	require.False(t, ticked)

	close(release)
}
