package mps

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/transport-security/mps/mpstest"
)

func newFSMPair(t *testing.T, mode Mode) (clientFSM, serverFSM *FSM, clientRec, serverRec *RecordLayer) {
	t.Helper()
	a, b := pairedAdapters()
	clientRec = NewRecordLayer(mode, a, a, 0)
	serverRec = NewRecordLayer(mode, b, b, 0)
	clientMsgs := NewMessageLayer(clientRec, mode)
	serverMsgs := NewMessageLayer(serverRec, mode)
	clientFSM = NewFSM(mode, clientRec, clientMsgs, mpstest.NewManualTimer(), 100, 1600, 5, 4, 0)
	serverFSM = NewFSM(mode, serverRec, serverMsgs, mpstest.NewManualTimer(), 100, 1600, 5, 4, 0)
	return
}

func TestFlightSendAwaitReceiveDone(t *testing.T) {
	client, server, _, serverRec := newFSMPair(t, ModeDatagram)

	w, err := client.WriteHandshake(HandshakeType(1), 5, nil, nil)
	require.NoError(t, err)
	buf, err := w.Reserve(5)
	require.NoError(t, err)
	copy(buf, "hello")
	require.NoError(t, w.Commit(5))
	require.NoError(t, client.WriteSetFlags(FlagContributesToFlight|FlagEndsFlight))
	require.NoError(t, client.Dispatch(EpochClear))
	require.Equal(t, FlightSend, client.State())
	require.NoError(t, client.Flush())
	require.Equal(t, FlightAwait, client.State())

	frag := mustNextFragment(t, serverRec, ModeDatagram)
	avail, err := server.DeliverIncoming(frag)
	require.NoError(t, err)
	require.True(t, avail)

	msg, ok := server.reassembler.Available()
	require.True(t, ok)
	require.Equal(t, []byte("hello"), msg.Body)
	server.ReadSetFlags(frag.Epoch, frag.Seq, FlagContributesToFlight|FlagEndsFlight)
	require.Equal(t, FlightDone, server.State())
}

func TestFlightRetransmitOnTimerExpiry(t *testing.T) {
	client, _, _, serverRec := newFSMPair(t, ModeDatagram)
	timer := client.timer.(*mpstest.ManualTimer)

	w, err := client.WriteHandshake(HandshakeType(1), 3, nil, nil)
	require.NoError(t, err)
	buf, _ := w.Reserve(3)
	copy(buf, "abc")
	require.NoError(t, w.Commit(3))
	require.NoError(t, client.WriteSetFlags(FlagContributesToFlight|FlagEndsFlight))
	require.NoError(t, client.Dispatch(EpochClear))
	require.NoError(t, client.Flush())

	_ = mustNextFragment(t, serverRec, ModeDatagram) // drain the first transmission

	timer.Advance(1600)
	require.NoError(t, client.OnTimerExpired())
	require.Equal(t, RetransmitResend, client.Substate())

	frag := mustNextFragment(t, serverRec, ModeDatagram)
	require.Equal(t, []byte("abc"), frag.Body)
}

func TestFlightCallbackRetransmission(t *testing.T) {
	client, _, _, serverRec := newFSMPair(t, ModeDatagram)
	timer := client.timer.(*mpstest.ManualTimer)

	calls := 0
	cb := func(ctx interface{}) ([]byte, error) {
		calls++
		return []byte("regenerated"), nil
	}
	w, err := client.WriteHandshake(HandshakeType(4), 11, cb, nil)
	require.NoError(t, err)
	buf, _ := w.Reserve(11)
	copy(buf, "placeholder")
	require.NoError(t, w.Commit(11))
	require.NoError(t, client.WriteSetFlags(FlagContributesToFlight|FlagEndsFlight))
	require.NoError(t, client.Dispatch(EpochClear))
	require.NoError(t, client.Flush())
	_ = mustNextFragment(t, serverRec, ModeDatagram)

	timer.Advance(1600)
	require.NoError(t, client.OnTimerExpired())
	require.Equal(t, 1, calls)

	frag := mustNextFragment(t, serverRec, ModeDatagram)
	require.Equal(t, []byte("regenerated"), frag.Body)
}

func mustNextFragment(t *testing.T, rec *RecordLayer, mode Mode) *HandshakeFragment {
	t.Helper()
	ml := NewMessageLayer(rec, mode)
	res, ok, err := ml.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, res.Fragment)
	return res.Fragment
}
