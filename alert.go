package mps

import "fmt"

// AlertLevel is the TLS/DTLS alert level byte.
type AlertLevel uint8

const (
	AlertLevelWarning AlertLevel = 1
	AlertLevelFatal   AlertLevel = 2
)

// AlertDescription is the second byte of an alert record. The MPS treats
// alert bodies as opaque beyond this one byte (interpreting alert
// semantics is the state machine's job, out of scope per §1).
type AlertDescription uint8

const (
	AlertCloseNotify         AlertDescription = 0
	AlertUnexpectedMessage   AlertDescription = 10
	AlertDecryptError        AlertDescription = 51
	AlertProtocolVersion     AlertDescription = 70
	AlertDecodeError         AlertDescription = 50
	AlertInternalError       AlertDescription = 80
	AlertHandshakeFailure    AlertDescription = 40
	AlertBadRecordMac        AlertDescription = 20
	AlertRecordOverflow      AlertDescription = 22
	AlertIllegalParameter    AlertDescription = 47
)

func (a AlertDescription) String() string {
	return fmt.Sprintf("alert(%d)", uint8(a))
}

func marshalAlert(level AlertLevel, desc AlertDescription) []byte {
	return []byte{byte(level), byte(desc)}
}

// alertForKind picks the alert a peer needs to see for a given fatal
// error kind, per §7's "user-visible failure" rule. Retransmission-timer
// exhaustion and internal errors close silently (no meaningful entry
// here).
func alertForKind(k Kind) (AlertDescription, bool) {
	switch k {
	case KindInvalidRecord:
		return AlertBadRecordMac, true
	case KindInvalidPadding:
		return AlertDecodeError, true
	case KindBadInput:
		return AlertDecodeError, true
	default:
		return 0, false
	}
}
