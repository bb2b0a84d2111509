package mps

// FlightState is the coarse state of the DTLS reliable-delivery state
// machine (§4.4).
type FlightState int

const (
	FlightDone FlightState = iota
	FlightSend
	FlightAwait
	FlightReceive
	FlightFinalize
)

func (s FlightState) String() string {
	switch s {
	case FlightDone:
		return "done"
	case FlightSend:
		return "send"
	case FlightAwait:
		return "await"
	case FlightReceive:
		return "receive"
	case FlightFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// RetransmitSubstate is orthogonal to FlightState (§4.4).
type RetransmitSubstate int

const (
	RetransmitNone RetransmitSubstate = iota
	RetransmitResend
	RetransmitRequestResend
)

// MessageFlags is the §6 bit field attached to a just-read or
// about-to-be-dispatched message, declaring its position within a flight.
type MessageFlags uint8

const (
	FlagValid               MessageFlags = 1 << iota
	FlagContributesToFlight
	FlagEndsFlight
	FlagEndsHandshake
)

type retransmitKind int

const (
	retransmitRaw retransmitKind = iota
	retransmitCallback
	retransmitCCS
)

// RetransmitCallback regenerates a message body deterministically from
// opaque context, avoiding the need to buffer a full copy for large
// messages (§9 "callback-based retransmission").
type RetransmitCallback func(ctx interface{}) ([]byte, error)

type retransmitHandle struct {
	kind retransmitKind
	raw  []byte
	cb   RetransmitCallback
	cbCtx interface{}
}

func (h *retransmitHandle) body() ([]byte, error) {
	switch h.kind {
	case retransmitRaw:
		return h.raw, nil
	case retransmitCallback:
		return h.cb(h.cbCtx)
	default:
		return nil, nil
	}
}

// outgoingMessage is one retained message of the current/last outgoing
// flight, enough to retransmit it verbatim (§3 "Retransmission handle").
type outgoingMessage struct {
	seq    uint32
	typ    HandshakeType
	epoch  Epoch
	handle retransmitHandle
	isCCS  bool
}

// detectionEntry is the retransmission-detection record for one message of
// the last fully-received incoming flight (§3, §4.4).
type detectionEntry struct {
	epoch   Epoch
	seq     uint32
	enabled bool // true=enabled, false=on-hold
}

// outgoingBuilder buffers the body of the handshake message currently
// being written, before Dispatch fragments and emits it to the wire. This
// buffer doubles as the "raw" retransmission handle in the common case
// where the caller did not supply a callback (§9).
type outgoingBuilder struct {
	typ         HandshakeType
	declaredLen int // -1 if unknown
	buf         []byte
	cb          RetransmitCallback
	cbCtx       interface{}
	isCCS       bool
}

func (b *outgoingBuilder) Reserve(n int) (buf []byte, needDispatch bool, err error) {
	if b.declaredLen >= 0 {
		if len(b.buf)+n > b.declaredLen {
			n = b.declaredLen - len(b.buf)
		}
	} else if len(b.buf)+n > maxSingleFragmentBody {
		return nil, false, newError(KindBadInput, LayerFlight, "write exceeds one fragment with unknown message length")
	}
	start := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return b.buf[start : start+n], false, nil
}

func (b *outgoingBuilder) Commit(n int) error { return nil }

func (b *outgoingBuilder) Dispatch() error {
	return newError(KindBadInput, LayerFlight, "dispatch a handshake message via the context, not the writer")
}

const maxSingleFragmentBody = 1 << 20

// FSM is L4: the DTLS flight and retransmission state machine sitting
// atop the message layer (§4.4). It also owns write-side fragmentation
// and, via the embedded Reassembler, read-side reassembly (§4.5).
type FSM struct {
	mode     Mode
	records  *RecordLayer
	messages *MessageLayer

	state    FlightState
	substate RetransmitSubstate

	timer          Timer
	timeoutMinMS   int
	timeoutMaxMS   int
	currentTimeout int

	maxFlightLen int

	maxFinalizeRetransmits int
	finalizeRetransmits    int

	outgoing   []outgoingMessage
	nextOutSeq uint32
	building   *outgoingBuilder

	// Set by Dispatch, consumed by Flush: whether the just-dispatched
	// message should trigger a flight-level transition once flushed.
	pendingEndsFlight    bool
	pendingEndsHandshake bool

	reassembler        *Reassembler
	detectionSet       []detectionEntry
	incomingFlightSeqs []uint32 // seqs delivered so far in the flight currently in slot 0..
	readEndsFlight     bool
}

// NewFSM constructs L4 over an already-constructed record/message layer
// pair. timeoutMinMS/timeoutMaxMS bound the retransmission timer (§6
// retransmit_timeout_min_ms/max_ms); maxFlightLen bounds how many
// messages one outgoing flight may hold (§6 max_flight_length).
func NewFSM(mode Mode, records *RecordLayer, messages *MessageLayer, timer Timer, timeoutMinMS, timeoutMaxMS, maxFlightLen, futureBuffers, maxFinalizeRetransmits int) *FSM {
	f := &FSM{
		mode:                   mode,
		records:                records,
		messages:               messages,
		timer:                  timer,
		timeoutMinMS:           timeoutMinMS,
		timeoutMaxMS:           timeoutMaxMS,
		currentTimeout:         timeoutMinMS,
		maxFlightLen:           maxFlightLen,
		maxFinalizeRetransmits: maxFinalizeRetransmits,
	}
	f.reassembler = NewReassembler(futureBuffers, f)
	return f
}

func (f *FSM) State() FlightState              { return f.state }
func (f *FSM) Substate() RetransmitSubstate    { return f.substate }

// PollIntervalMS bounds how long a caller's blocking receive should wait
// before control returns to Read so it can re-check the retransmission
// timer, so OnTimerExpired is reachable even when the peer never sends
// anything at all (§4.4, §8 scenario 3). Returns 0 (no bound) once the
// flight machine is idle.
func (f *FSM) PollIntervalMS() int {
	if f.timer == nil || f.state == FlightDone {
		return 0
	}
	interval := f.currentTimeout / 4
	if interval <= 0 {
		interval = 1
	}
	if interval > 200 {
		interval = 200
	}
	return interval
}

// NoteOldFragment implements DetectionSink (§4.4 detection algorithm): a
// single peer retransmission of an entire flight triggers at most one of
// ours, while still recovering when only a subset of the peer's flight
// reaches us. The bool return reports whether (epoch, seq) belongs to the
// last fully-received flight (so the caller drops the fragment either
// way); the error, if any, is the transport/dispatch failure encountered
// while re-emitting the flight and must still reach the caller.
func (f *FSM) NoteOldFragment(epoch Epoch, seq uint32) (bool, error) {
	idx := -1
	for i := range f.detectionSet {
		if f.detectionSet[i].epoch == epoch && f.detectionSet[i].seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	var err error
	if f.detectionSet[idx].enabled {
		err = f.retransmitLastFlight()
		for i := range f.detectionSet {
			f.detectionSet[i].enabled = (i == idx)
		}
	} else {
		f.detectionSet[idx].enabled = true
	}
	return true, err
}

// WriteHandshake begins a new outgoing handshake message (§6
// write_handshake). length is -1 for "unknown" (single-fragment only).
func (f *FSM) WriteHandshake(typ HandshakeType, length int, cb RetransmitCallback, cbCtx interface{}) (*Writer, error) {
	if f.building != nil {
		return nil, newError(KindBadInput, LayerFlight, "a writer is already outstanding")
	}
	f.building = &outgoingBuilder{typ: typ, declaredLen: length, cb: cb, cbCtx: cbCtx}
	if length >= 0 {
		f.building.buf = make([]byte, 0, length)
	}
	return newWriter(f.building, length), nil
}

// WriteCCS begins an outgoing change-cipher-spec "message" (no body).
func (f *FSM) WriteCCS() (*Writer, error) {
	if f.building != nil {
		return nil, newError(KindBadInput, LayerFlight, "a writer is already outstanding")
	}
	f.building = &outgoingBuilder{isCCS: true, declaredLen: 0}
	return newWriter(f.building, 0), nil
}

// WriteSetFlags attaches flight-position flags to the message currently
// being built, consumed at the next Dispatch.
func (f *FSM) WriteSetFlags(flags MessageFlags) error {
	if f.building == nil {
		return newError(KindBadInput, LayerFlight, "no outstanding writer to flag")
	}
	if flags&FlagContributesToFlight != 0 {
		f.pendingEndsFlight = flags&FlagEndsFlight != 0
		f.pendingEndsHandshake = flags&FlagEndsHandshake != 0
	}
	return nil
}

// Dispatch finalizes the message currently being built: fragments it (if
// needed and length is known) across successive records under the active
// write epoch, retains a retransmission handle, and advances the outgoing
// sequence number (§4.4 write-side fragmentation, §6 dispatch).
func (f *FSM) Dispatch(writeEpoch Epoch) error {
	b := f.building
	if b == nil {
		return nil
	}
	f.building = nil

	if b.declaredLen < 0 {
		hdrLen := handshakeHeaderLenDatagram
		if f.mode == ModeStream {
			hdrLen = handshakeHeaderLenStream
		}
		if len(b.buf) > f.records.maxRecordPayload-hdrLen {
			return newError(KindBadInput, LayerFlight, "write exceeds one fragment with unknown message length")
		}
	}

	if f.state == FlightDone {
		f.state = FlightSend
		f.outgoing = f.outgoing[:0]
		f.nextOutSeq = 0
	}

	seq := f.nextOutSeq
	f.nextOutSeq++

	var handle retransmitHandle
	if b.isCCS {
		handle = retransmitHandle{kind: retransmitCCS}
		if err := f.emitCCS(writeEpoch); err != nil {
			return err
		}
	} else {
		if b.cb != nil {
			handle = retransmitHandle{kind: retransmitCallback, cb: b.cb, cbCtx: b.cbCtx}
		} else {
			handle = retransmitHandle{kind: retransmitRaw, raw: b.buf}
		}
		if err := f.emitHandshake(writeEpoch, seq, b.typ, b.buf); err != nil {
			return err
		}
	}

	if len(f.outgoing) >= f.maxFlightLen {
		return newError(KindBadInput, LayerFlight, "flight exceeds configured max_flight_length")
	}
	f.outgoing = append(f.outgoing, outgoingMessage{seq: seq, typ: b.typ, epoch: writeEpoch, handle: handle, isCCS: b.isCCS})
	return nil
}

// emitHandshake fragments body across one or more records of writeEpoch,
// each carrying (seq, type, total length) and its own (offset, fragLen)
// in datagram mode (§4.4). In stream mode the header is written once and
// the body is allowed to span records via the record layer's own
// continuation.
func (f *FSM) emitHandshake(writeEpoch Epoch, seq uint32, typ HandshakeType, body []byte) error {
	totalLen := uint32(len(body))
	if f.mode == ModeStream {
		if _, err := f.records.OpenWrite(RecordTypeHandshake, writeEpoch, handshakeHeaderLenStream+len(body)); err != nil {
			return err
		}
		w := newWriter(&recordSink{layer: f.records}, handshakeHeaderLenStream+len(body))
		hdr := MarshalHandshakeHeader(ModeStream, typ, totalLen, 0, 0, totalLen)
		if err := writeAll(w, append(hdr, body...)); err != nil {
			return err
		}
		return f.records.DispatchWrite()
	}

	offset := uint32(0)
	maxFragBody := f.records.maxRecordPayload - handshakeHeaderLenDatagram
	if maxFragBody <= 0 {
		return newError(KindInternal, LayerFlight, "record payload too small to carry a handshake header")
	}
	for {
		fragLen := totalLen - offset
		if fragLen > uint32(maxFragBody) {
			fragLen = uint32(maxFragBody)
		}
		w, err := f.records.OpenWrite(RecordTypeHandshake, writeEpoch, handshakeHeaderLenDatagram+int(fragLen))
		if err != nil {
			return err
		}
		hdr := MarshalHandshakeHeader(ModeDatagram, typ, totalLen, seq, offset, fragLen)
		payload := append(hdr, body[offset:offset+fragLen]...)
		if err := writeAll(w, payload); err != nil {
			return err
		}
		if err := f.records.DispatchWrite(); err != nil {
			return err
		}
		offset += fragLen
		if offset >= totalLen {
			break
		}
	}
	return nil
}

func (f *FSM) emitCCS(writeEpoch Epoch) error {
	w, err := f.records.OpenWrite(RecordTypeChangeCipherSpec, writeEpoch, 1)
	if err != nil {
		return err
	}
	if err := writeAll(w, []byte{1}); err != nil {
		return err
	}
	return f.records.DispatchWrite()
}

func writeAll(w *Writer, data []byte) error {
	for len(data) > 0 {
		buf, err := w.Reserve(len(data))
		if err != nil {
			return err
		}
		n := copy(buf, data)
		if err := w.Commit(n); err != nil {
			return err
		}
		data = data[n:]
		if n == 0 {
			if err := w.Dispatch(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush forces the record layer to hand prepared records to L1, then
// applies any flight-level transition the last Dispatch deferred pending
// the flush (§4.4 send -> await / send -> finalize).
func (f *FSM) Flush() error {
	if err := f.records.Flush(); err != nil {
		return err
	}
	if f.pendingEndsHandshake {
		f.state = FlightFinalize
		f.finalizeRetransmits = 0
		f.pendingEndsFlight = false
		f.pendingEndsHandshake = false
		f.armTimer()
		return nil
	}
	if f.pendingEndsFlight && f.state == FlightSend {
		f.state = FlightAwait
		f.pendingEndsFlight = false
		f.currentTimeout = f.timeoutMinMS
		f.armTimer()
	}
	return nil
}

func (f *FSM) armTimer() {
	if f.timer == nil {
		return
	}
	f.timer.Set(f.currentTimeout/2, f.currentTimeout)
}

// retransmitLastFlight re-emits every message of the last outgoing
// flight, in order, under its original epoch, with fresh record sequence
// numbers (§4.4, §8 scenario 3).
func (f *FSM) retransmitLastFlight() error {
	for _, m := range f.outgoing {
		if m.isCCS {
			if err := f.emitCCS(m.epoch); err != nil {
				return err
			}
			continue
		}
		body, err := m.handle.body()
		if err != nil {
			return err
		}
		if err := f.emitHandshake(m.epoch, m.seq, m.typ, body); err != nil {
			return err
		}
	}
	return f.records.Flush()
}

// OnTimerExpired implements the §4.4 timeout policy: doubles the timeout
// (capped at max) and retransmits or requests retransmission depending on
// the current state.
func (f *FSM) OnTimerExpired() error {
	switch f.state {
	case FlightAwait:
		f.substate = RetransmitResend
		if err := f.retransmitLastFlight(); err != nil {
			return err
		}
		f.doubleTimeout()
		f.armTimer()
	case FlightReceive:
		f.substate = RetransmitRequestResend
		if err := f.retransmitLastFlight(); err != nil {
			return err
		}
		f.doubleTimeout()
		f.armTimer()
	case FlightFinalize:
		f.finalizeRetransmits++
		if f.maxFinalizeRetransmits > 0 && f.finalizeRetransmits > f.maxFinalizeRetransmits {
			f.state = FlightDone
			return nil
		}
		if err := f.retransmitLastFlight(); err != nil {
			return err
		}
		f.armTimer()
	}
	return nil
}

func (f *FSM) doubleTimeout() {
	f.currentTimeout *= 2
	if f.currentTimeout > f.timeoutMaxMS {
		f.currentTimeout = f.timeoutMaxMS
	}
}

// DeliverIncoming feeds one handshake fragment (already classified by the
// message layer) into the reassembler and advances flight state per
// §4.4's read-side transitions.
func (f *FSM) DeliverIncoming(frag *HandshakeFragment) (available bool, err error) {
	available, err = f.reassembler.Feed(frag)
	if err != nil {
		return false, err
	}
	if available && f.state == FlightAwait && frag.Seq == f.reassembler.NextExpected() {
		f.state = FlightReceive
		f.substate = RetransmitNone
		f.currentTimeout = f.timeoutMinMS
		f.armTimer()
	}
	return available, nil
}

// ReadSetFlags marks the just-consumed incoming message's position in
// its flight (§6 read_set_flags). EndsFlight triggers receive -> done and
// builds the detection set for the flight just completed.
func (f *FSM) ReadSetFlags(epoch Epoch, seq uint32, flags MessageFlags) {
	f.incomingFlightSeqs = append(f.incomingFlightSeqs, seq)
	if flags&FlagEndsFlight == 0 {
		return
	}
	if f.timer != nil {
		f.timer.Cancel()
	}
	newSet := make([]detectionEntry, 0, len(f.incomingFlightSeqs))
	for _, s := range f.incomingFlightSeqs {
		newSet = append(newSet, detectionEntry{epoch: epoch, seq: s, enabled: true})
	}
	f.detectionSet = newSet
	f.incomingFlightSeqs = f.incomingFlightSeqs[:0]
	f.state = FlightDone
	f.substate = RetransmitNone
}

// ConsumeIncoming clears the delivered message's reassembly slot and
// advances to the next expected sequence number (§4.5 Consume).
func (f *FSM) ConsumeIncoming() (nowAvailable bool) {
	return f.reassembler.Consume()
}

// Close transitions unconditionally to done, per "any state -> done on
// fatal error or orderly shutdown" (§4.4).
func (f *FSM) Close() {
	if f.timer != nil {
		f.timer.Cancel()
	}
	f.state = FlightDone
	f.substate = RetransmitNone
}
