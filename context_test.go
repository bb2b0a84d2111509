package mps

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/transport-security/mps/mpstest"
)

func newContextPair(t *testing.T, mode Mode) (client, server *Context) {
	t.Helper()
	a, b := pairedAdapters()
	client, err := Init(Config{Mode: mode, Send: a.Send, Recv: a.Recv, Label: "client"})
	require.NoError(t, err)
	server, err = Init(Config{Mode: mode, Send: b.Send, Recv: b.Recv, Label: "server"})
	require.NoError(t, err)
	return client, server
}

func TestContextApplicationDataRoundTrip(t *testing.T) {
	client, server := newContextPair(t, ModeStream)

	w, err := client.WriteApplication()
	require.NoError(t, err)
	buf, err := w.Reserve(7)
	require.NoError(t, err)
	copy(buf, "payload")
	require.NoError(t, w.Commit(7))
	require.NoError(t, client.Dispatch())
	require.NoError(t, client.Flush())

	kind, err := server.Read()
	require.NoError(t, err)
	require.Equal(t, MsgApplication, kind)
	reader, err := server.ReadApplication()
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), reader.Peek(7))
	server.ReadConsume()
}

func TestContextHandshakeRoundTripAndFlightClose(t *testing.T) {
	client, server := newContextPair(t, ModeDatagram)

	w, err := client.WriteHandshake(HandshakeType(1), 9, nil, nil)
	require.NoError(t, err)
	buf, err := w.Reserve(9)
	require.NoError(t, err)
	copy(buf, "hellothar")
	require.NoError(t, w.Commit(9))
	require.NoError(t, client.WriteSetFlags(FlagContributesToFlight|FlagEndsFlight))
	require.NoError(t, client.Dispatch())
	require.NoError(t, client.Flush())
	require.Equal(t, FlightAwait, client.fsm.State())

	kind, err := server.Read()
	require.NoError(t, err)
	require.Equal(t, MsgHandshake, kind)
	typ, totalLen, reader, err := server.ReadHandshake()
	require.NoError(t, err)
	require.Equal(t, HandshakeType(1), typ)
	require.Equal(t, uint32(9), totalLen)
	require.Equal(t, []byte("hellothar"), reader.Peek(9))
	server.ReadSetFlags(FlagContributesToFlight | FlagEndsFlight)
	server.ReadConsume()
	require.Equal(t, FlightDone, server.fsm.State())
}

func TestContextAlertFatalBlocksContext(t *testing.T) {
	client, server := newContextPair(t, ModeStream)

	require.NoError(t, client.SendFatalAlert(AlertHandshakeFailure))
	_, blocked := client.ErrorState()
	require.True(t, blocked)
	require.Equal(t, StateBlocked, client.ConnectionState())

	kind, err := server.Read()
	require.NoError(t, err)
	require.Equal(t, MsgAlert, kind)
	level, desc, err := server.ReadAlert()
	require.NoError(t, err)
	require.Equal(t, AlertLevelFatal, level)
	require.Equal(t, AlertHandshakeFailure, desc)
}

// TestContextRetransmitsOnTimerExpiryViaTick exercises §8 scenario 3
// through the public Context surface rather than driving the FSM by
// hand: a stalled peer never acks, the retransmission timer expires, and
// Tick (as Read also does internally) re-emits the last flight.
func TestContextRetransmitsOnTimerExpiryViaTick(t *testing.T) {
	a, b := pairedAdapters()
	timer := mpstest.NewManualTimer()
	client, err := Init(Config{
		Mode: ModeDatagram, Send: a.Send, Recv: a.Recv, Label: "client",
		Timer: timer, RetransmitTimeoutMinMS: 100, RetransmitTimeoutMaxMS: 1600,
	})
	require.NoError(t, err)
	server, err := Init(Config{Mode: ModeDatagram, Send: b.Send, Recv: b.Recv, Label: "server"})
	require.NoError(t, err)

	w, err := client.WriteHandshake(HandshakeType(1), 3, nil, nil)
	require.NoError(t, err)
	buf, err := w.Reserve(3)
	require.NoError(t, err)
	copy(buf, "abc")
	require.NoError(t, w.Commit(3))
	require.NoError(t, client.WriteSetFlags(FlagContributesToFlight|FlagEndsFlight))
	require.NoError(t, client.Dispatch())
	require.NoError(t, client.Flush())
	require.Equal(t, FlightAwait, client.fsm.State())

	kind, err := server.Read()
	require.NoError(t, err)
	require.Equal(t, MsgHandshake, kind)
	server.ReadConsume() // drain the first transmission; peer never acks it

	timer.Advance(1600)
	require.NoError(t, client.Tick())
	require.Equal(t, RetransmitResend, client.fsm.Substate())

	kind, err = server.Read()
	require.NoError(t, err)
	require.Equal(t, MsgHandshake, kind)
	_, _, reader, err := server.ReadHandshake()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), reader.Peek(3))
}

// TestContextReadTicksTimerWithoutExplicitTick shows Read itself drives
// the same timeout policy when a caller just polls Read in a loop and
// never calls Tick directly.
func TestContextReadTicksTimerWithoutExplicitTick(t *testing.T) {
	a, b := pairedAdapters()
	timer := mpstest.NewManualTimer()
	client, err := Init(Config{
		Mode: ModeDatagram, Send: a.Send, Recv: a.Recv, Label: "client",
		Timer: timer, RetransmitTimeoutMinMS: 100, RetransmitTimeoutMaxMS: 1600,
	})
	require.NoError(t, err)
	server, err := Init(Config{Mode: ModeDatagram, Send: b.Send, Recv: b.Recv, Label: "server"})
	require.NoError(t, err)

	w, err := client.WriteHandshake(HandshakeType(1), 3, nil, nil)
	require.NoError(t, err)
	buf, err := w.Reserve(3)
	require.NoError(t, err)
	copy(buf, "abc")
	require.NoError(t, w.Commit(3))
	require.NoError(t, client.WriteSetFlags(FlagContributesToFlight|FlagEndsFlight))
	require.NoError(t, client.Dispatch())
	require.NoError(t, client.Flush())

	_, err = server.Read()
	require.NoError(t, err)
	server.ReadConsume()

	timer.Advance(1600)
	_, err = client.Read() // no peer data pending: want-read, but ticks the timer first
	require.Error(t, err)
	require.Equal(t, RetransmitResend, client.fsm.Substate())

	kind, err := server.Read()
	require.NoError(t, err)
	require.Equal(t, MsgHandshake, kind)
}

func TestContextCloseIsIdempotent(t *testing.T) {
	client, _ := newContextPair(t, ModeStream)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.Equal(t, StateClosed, client.ConnectionState())
}
