package mps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageLayerStreamHandshakeChunked(t *testing.T) {
	a, b := pairedAdapters()
	client := NewRecordLayer(ModeStream, a, a, 0)
	server := NewRecordLayer(ModeStream, b, b, 0)
	serverMessages := NewMessageLayer(server, ModeStream)

	body := []byte("client hello body")
	hdr := MarshalHandshakeHeader(ModeStream, HandshakeType(1), uint32(len(body)), 0, 0, uint32(len(body)))

	w, err := client.OpenWrite(RecordTypeHandshake, EpochClear, len(hdr)+len(body))
	require.NoError(t, err)
	buf, err := w.Reserve(len(hdr) + len(body))
	require.NoError(t, err)
	copy(buf, append(append([]byte(nil), hdr...), body...))
	require.NoError(t, w.Commit(len(hdr)+len(body)))
	require.NoError(t, client.DispatchWrite())
	require.NoError(t, client.Flush())

	res, ok, err := serverMessages.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, res.Fragment)
	require.Equal(t, HandshakeType(1), res.Fragment.Type)
	require.Equal(t, body, res.Fragment.Body)
}

func TestMessageLayerDatagramFragmentHeader(t *testing.T) {
	a, b := pairedAdapters()
	client := NewRecordLayer(ModeDatagram, a, a, 0)
	server := NewRecordLayer(ModeDatagram, b, b, 0)
	serverMessages := NewMessageLayer(server, ModeDatagram)

	body := []byte("fragment body")
	hdr := MarshalHandshakeHeader(ModeDatagram, HandshakeType(2), uint32(len(body)), 7, 0, uint32(len(body)))

	w, err := client.OpenWrite(RecordTypeHandshake, EpochClear, len(hdr)+len(body))
	require.NoError(t, err)
	buf, err := w.Reserve(len(hdr) + len(body))
	require.NoError(t, err)
	copy(buf, append(append([]byte(nil), hdr...), body...))
	require.NoError(t, w.Commit(len(hdr)+len(body)))
	require.NoError(t, client.DispatchWrite())
	require.NoError(t, client.Flush())

	res, ok, err := serverMessages.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(7), res.Fragment.Seq)
	require.Equal(t, HandshakeType(2), res.Fragment.Type)
	require.Equal(t, body, res.Fragment.Body)
}

func TestMessageLayerAlertCarriesLevel(t *testing.T) {
	a, b := pairedAdapters()
	client := NewRecordLayer(ModeStream, a, a, 0)
	server := NewRecordLayer(ModeStream, b, b, 0)
	serverMessages := NewMessageLayer(server, ModeStream)

	w, err := client.OpenWrite(RecordTypeAlert, EpochClear, 2)
	require.NoError(t, err)
	buf, err := w.Reserve(2)
	require.NoError(t, err)
	copy(buf, marshalAlert(AlertLevelFatal, AlertHandshakeFailure))
	require.NoError(t, w.Commit(2))
	require.NoError(t, client.DispatchWrite())
	require.NoError(t, client.Flush())

	res, ok, err := serverMessages.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, AlertLevelFatal, res.AlertLevel)
	require.Equal(t, AlertHandshakeFailure, res.Alert)
}
