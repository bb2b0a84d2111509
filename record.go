package mps

import "fmt"

// RecordType is the L2 content type, carried in the clear in the record
// header. It is not repeated inside the AEAD-sealed payload.
type RecordType uint8

const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeChangeCipherSpec:
		return "change-cipher-spec"
	case RecordTypeAlert:
		return "alert"
	case RecordTypeHandshake:
		return "handshake"
	case RecordTypeApplicationData:
		return "application-data"
	default:
		return fmt.Sprintf("record-type(%d)", uint8(t))
	}
}

// Mode selects between the stream (TLS) and datagram (DTLS) wire
// semantics threaded through every layer (§9: "runtime-selectable
// pipeline", not source-time specialization).
type Mode int

const (
	ModeStream Mode = iota
	ModeDatagram
)

const (
	recordHeaderLenStream   = 5
	recordHeaderLenDatagram = 13
	replayWindowSize        = 64
	defaultMaxRecordPayload = 1 << 14

	defaultMaxDatagramRecordPayload = 1200
)

// replayWindow is the per-epoch sliding bitmask described in §4.2: a
// 64-wide window behind the highest accepted sequence number.
type replayWindow struct {
	received bool
	hi       uint64
	mask     uint64
}

// accept reports whether seq is new within the window and, if so, records
// it as seen. It never mutates state on rejection.
func (w *replayWindow) accept(seq uint64) bool {
	if !w.received {
		w.received = true
		w.hi = seq
		w.mask = 1
		return true
	}
	if seq > w.hi {
		shift := seq - w.hi
		if shift >= replayWindowSize {
			w.mask = 0
		} else {
			w.mask <<= shift
		}
		w.mask |= 1
		w.hi = seq
		return true
	}
	diff := w.hi - seq
	if diff >= replayWindowSize {
		return false
	}
	bit := uint64(1) << diff
	if w.mask&bit != 0 {
		return false
	}
	w.mask |= bit
	return true
}

// recordFrameDetails implements frameDetails for the L1->L2 byte stream,
// mirroring the teacher's recordLayerFrameDetails.
type recordFrameDetails struct {
	datagram bool
}

func (d recordFrameDetails) headerLen() int {
	if d.datagram {
		return recordHeaderLenDatagram
	}
	return recordHeaderLenStream
}

func (d recordFrameDetails) frameLen(hdr []byte) (int, error) {
	n := hdr[d.headerLen()-2 : d.headerLen()]
	return int(n[0])<<8 | int(n[1]), nil
}

// pendingOutRecord is the record currently being assembled by OpenWrite
// before DispatchWrite seals it.
type pendingOutRecord struct {
	open  bool
	ct    RecordType
	epoch Epoch
	body  []byte
}

// RecordLayer is L2: framing, epoch-keyed AEAD, replay protection, and
// record/datagram coalescing (§4.2).
type RecordLayer struct {
	label string
	mode  Mode
	in    Receiver
	out   Sender

	registry *epochRegistry

	writeCipher      *cipherState
	activeWriteEpoch Epoch
	readCiphers      map[Epoch]*cipherState
	readWindows      map[Epoch]*replayWindow
	activeReadEpoch  Epoch

	maxRecordPayload int
	maxDatagram      int
	recvTimeoutMS    int

	frame *frameReader

	// read side: last record decrypted and awaiting consumption.
	readOpen  bool
	readCT    RecordType
	readEpoch Epoch
	readSeq   uint64
	readBody  []byte

	// write side
	pending     pendingOutRecord
	datagramBuf []byte
	forcedSeq   *uint64
}

// NewRecordLayer constructs an L2 layer over the given L1 receive/send
// primitives. maxRecordPayload bounds the plaintext carried by one record
// before AEAD overhead (the DTLS default mirrors a conservative path MTU).
func NewRecordLayer(mode Mode, in Receiver, out Sender, maxRecordPayload int) *RecordLayer {
	if maxRecordPayload <= 0 {
		maxRecordPayload = defaultMaxRecordPayload
		if mode == ModeDatagram {
			maxRecordPayload = defaultMaxDatagramRecordPayload
		}
	}
	r := &RecordLayer{
		mode:             mode,
		in:               in,
		out:              out,
		registry:         newEpochRegistry(),
		writeCipher:      newClearCipherState(),
		readCiphers:      map[Epoch]*cipherState{EpochClear: newClearCipherState()},
		readWindows:      map[Epoch]*replayWindow{},
		maxRecordPayload: maxRecordPayload,
		maxDatagram:      maxRecordPayload * 4,
	}
	r.frame = newFrameReader(recordFrameDetails{datagram: mode == ModeDatagram}, mode == ModeDatagram)
	return r
}

func (r *RecordLayer) SetLabel(s string) { r.label = s }

// RegisterEpoch transfers ownership of AEAD params to the record layer and
// returns the newly allocated epoch id (§6 register_epoch).
func (r *RecordLayer) RegisterEpoch(factory AEADFactory, keys *KeySet) Epoch {
	return r.registry.register(factory, keys)
}

// ActivateReadEpoch swaps the live read epoch. Pending data buffered under
// other epochs is not retroactively affected (§4.2 key change rule).
func (r *RecordLayer) ActivateReadEpoch(e Epoch) error {
	entry, ok := r.registry.get(e)
	if !ok {
		return newError(KindBadInput, LayerRecord, "activate_read_epoch: unknown epoch")
	}
	cs, ok := r.readCiphers[e]
	if !ok {
		var err error
		cs, err = newCipherState(e, entry.factory, entry.keys.ReadKey, entry.keys.ReadIV)
		if err != nil {
			return wrapError(KindInternal, LayerRecord, err)
		}
		r.readCiphers[e] = cs
		r.readWindows[e] = &replayWindow{}
	}
	r.activeReadEpoch = e
	r.registry.gc(r.activeReadEpoch, r.activeWriteEpoch)
	return nil
}

// ActivateWriteEpoch swaps the live write epoch; a fresh sequence counter
// starts at 0 under the new epoch (§8 scenario 6).
func (r *RecordLayer) ActivateWriteEpoch(e Epoch) error {
	if e == EpochClear {
		r.writeCipher = newClearCipherState()
		r.activeWriteEpoch = e
		return nil
	}
	entry, ok := r.registry.get(e)
	if !ok {
		return newError(KindBadInput, LayerRecord, "activate_write_epoch: unknown epoch")
	}
	cs, err := newCipherState(e, entry.factory, entry.keys.WriteKey, entry.keys.WriteIV)
	if err != nil {
		return wrapError(KindInternal, LayerRecord, err)
	}
	r.writeCipher = cs
	r.activeWriteEpoch = e
	r.registry.gc(r.activeReadEpoch, r.activeWriteEpoch)
	return nil
}

func (r *RecordLayer) WriteEpoch() Epoch { return r.activeWriteEpoch }
func (r *RecordLayer) ReadEpoch() Epoch  { return r.activeReadEpoch }

// GetSequenceNumber exposes the current write-side sequence number as an
// 8-byte big-endian value, the abstraction-break §6 reserves for the
// DTLS HelloVerifyRequest cookie round-trip.
func (r *RecordLayer) GetSequenceNumber(out *[8]byte) {
	encodeUint(r.writeCipher.seq, 8, out[:])
}

// ForceSequenceNumber pins the next outgoing record's sequence number,
// e.g. so a HelloVerifyRequest can echo the ClientHello's.
func (r *RecordLayer) ForceSequenceNumber(seq [8]byte) {
	v, _ := decodeUint(seq[:], 8)
	r.forcedSeq = &v
}

// OpenRead pulls the next on-wire record, identifies its epoch, validates
// replay, decrypts, and exposes a borrowable Reader over the plaintext
// (§4.2 open_read). In datagram mode a decrypt/replay failure is reported
// via ok=false (silently discardable by the caller) rather than an error,
// per §4.2's anti-DoS rule; in stream mode it is a fatal *Error.
func (r *RecordLayer) OpenRead() (ct RecordType, epoch Epoch, seq uint64, reader *Reader, ok bool, err error) {
	if r.readOpen {
		return 0, 0, 0, nil, false, newError(KindBadInput, LayerRecord, "a reader is already outstanding")
	}
	for {
		hdr, body, ferr := r.frame.process()
		if ferr != nil {
			if e, match := ferr.(*Error); match && e.Kind == KindWantRead {
				if rerr := r.readMore(); rerr != nil {
					return 0, 0, 0, nil, false, rerr
				}
				continue
			}
			return 0, 0, 0, nil, false, ferr
		}
		return r.decodeRecord(hdr, body)
	}
}

// PeekRecordType reports the content type of the next record without
// consuming it, for a caller that wants to branch before paying for a full
// OpenRead (mirrors the teacher's own PeekRecordType). If block is true and
// no full header is buffered yet, it reads from the transport until one
// arrives or a non-want-read error occurs.
func (r *RecordLayer) PeekRecordType(block bool) (RecordType, bool, error) {
	for {
		hdr := r.frame.peekHeader()
		if hdr != nil {
			return RecordType(hdr[0]), true, nil
		}
		if !block {
			return 0, false, nil
		}
		if err := r.readMore(); err != nil {
			if e, match := err.(*Error); match && e.Kind == KindWantRead {
				return 0, false, nil
			}
			return 0, false, err
		}
	}
}

// SetRecvTimeoutMS bounds how long the next readMore call may block in
// RecvTimeout, so a caller driving a retransmission timer (§4.4, §8
// scenario 3) regains control to check it even when the peer sends
// nothing at all. 0 reverts to an unbounded Recv.
func (r *RecordLayer) SetRecvTimeoutMS(ms int) {
	r.recvTimeoutMS = ms
}

func (r *RecordLayer) readMore() error {
	buf := make([]byte, r.maxDatagram+recordHeaderLenDatagram)
	var n int
	var err error
	if r.recvTimeoutMS > 0 {
		n, err = r.in.RecvTimeout(buf, r.recvTimeoutMS)
	} else {
		n, err = r.in.Recv(buf)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return wantReadFrom(LayerRecord)
	}
	r.frame.addChunk(buf[:n])
	return nil
}

func (r *RecordLayer) decodeRecord(hdr, body []byte) (RecordType, Epoch, uint64, *Reader, bool, error) {
	ct := RecordType(hdr[0])
	switch ct {
	case RecordTypeAlert, RecordTypeHandshake, RecordTypeApplicationData, RecordTypeChangeCipherSpec:
	default:
		if r.mode == ModeDatagram {
			return 0, 0, 0, nil, false, nil
		}
		return 0, 0, 0, nil, false, newError(KindInvalidRecord, LayerRecord, "unknown content type")
	}

	var seq uint64
	var epoch Epoch
	var cs *cipherState

	if r.mode == ModeDatagram {
		seqField, _ := decodeUint(hdr[3:11], 8)
		epoch = Epoch(seqField >> 48)
		seq = seqField &^ (uint64(0xffff) << 48)
		var ok bool
		cs, ok = r.readCiphers[epoch]
		if !ok {
			return 0, 0, 0, nil, false, nil // unknown epoch: discard silently
		}
		window := r.readWindows[epoch]
		if window == nil {
			window = &replayWindow{}
			r.readWindows[epoch] = window
		}
		if !window.accept(seq) {
			return 0, 0, 0, nil, false, nil
		}
	} else {
		epoch = r.activeReadEpoch
		cs = r.readCiphers[epoch]
		seq = cs.seq
	}

	payload := append([]byte(nil), body...)
	if cs.aead != nil {
		aad := hdr
		plain, perr := r.decrypt(cs, seq, aad, payload)
		if perr != nil {
			if r.mode == ModeDatagram {
				return 0, 0, 0, nil, false, nil
			}
			return 0, 0, 0, nil, false, wrapError(KindInvalidRecord, LayerRecord, perr)
		}
		payload = plain
	}
	if r.mode != ModeDatagram {
		if err := cs.incrementSeq(); err != nil {
			return 0, 0, 0, nil, false, err
		}
	}

	if err := r.validateContentInvariants(ct, payload); err != nil {
		return 0, 0, 0, nil, false, err
	}

	r.readOpen = true
	r.readCT, r.readEpoch, r.readSeq, r.readBody = ct, epoch, seq, payload
	return ct, epoch, seq, newReader(payload), true, nil
}

// validateContentInvariants enforces the minimal per-type shape rules L3
// would otherwise have to re-derive: CCS is exactly one byte of value 1,
// alert is exactly two bytes (§4.3).
func (r *RecordLayer) validateContentInvariants(ct RecordType, payload []byte) error {
	switch ct {
	case RecordTypeChangeCipherSpec:
		if len(payload) != 1 || payload[0] != 1 {
			return newError(KindInvalidRecord, LayerMessage, "malformed change-cipher-spec record")
		}
	case RecordTypeAlert:
		if len(payload) != 2 {
			return newError(KindInvalidRecord, LayerMessage, "malformed alert record")
		}
	}
	return nil
}

func (r *RecordLayer) decrypt(cs *cipherState, seq uint64, aad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < cs.overhead() {
		return nil, fmt.Errorf("record too short for AEAD tag")
	}
	plain := make([]byte, 0, len(ciphertext)-cs.overhead())
	out, err := cs.aead.Open(plain, cs.computeNonce(seq), ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed")
	}
	return out, nil
}

// ConsumeRead releases the borrowed reader (§4.2 consume_read).
func (r *RecordLayer) ConsumeRead() {
	r.readOpen = false
	r.readBody = nil
}

// recordSink adapts the current pending outgoing record to the generic
// stream.Sink interface consumed by Writer.
type recordSink struct {
	layer *RecordLayer
}

func (s *recordSink) Reserve(n int) (buf []byte, needDispatch bool, err error) {
	p := &s.layer.pending
	if !p.open {
		return nil, false, newError(KindInternal, LayerRecord, "no open write record")
	}
	room := s.layer.maxRecordPayload - len(p.body)
	if room <= 0 {
		return nil, true, nil
	}
	if n > room {
		n = room
		p.body = append(p.body, make([]byte, n)...)
		return p.body[len(p.body)-n:], true, nil
	}
	p.body = append(p.body, make([]byte, n)...)
	return p.body[len(p.body)-n:], false, nil
}

func (s *recordSink) Commit(n int) error {
	return nil // bytes already appended by Reserve; Commit is a no-op bookkeeping point for symmetry
}

// Dispatch seals the current record and, since an L2-level Writer never
// fragments on its own (app data and alerts do not span records, §4.3),
// immediately reopens a fresh record of the same type/epoch so a caller
// that keeps writing continues into the next record rather than failing.
func (s *recordSink) Dispatch() error {
	ct, epoch := s.layer.pending.ct, s.layer.pending.epoch
	if err := s.layer.DispatchWrite(); err != nil {
		return err
	}
	s.layer.pending = pendingOutRecord{open: true, ct: ct, epoch: epoch}
	return nil
}

// OpenWrite allocates space in the current outgoing record, opening a new
// one if the type/epoch differ or there is no room (§4.2 open_write).
func (r *RecordLayer) OpenWrite(ct RecordType, epoch Epoch, lenHint int) (*Writer, error) {
	if r.pending.open && (r.pending.ct != ct || r.pending.epoch != epoch) {
		if err := r.DispatchWrite(); err != nil {
			return nil, err
		}
	}
	if !r.pending.open {
		r.pending = pendingOutRecord{open: true, ct: ct, epoch: epoch, body: make([]byte, 0, lenHint)}
	}
	declared := -1
	return newWriter(&recordSink{layer: r}, declared), nil
}

// DispatchWrite closes the current record region and encrypts it
// (§4.2 dispatch_write). In datagram mode the record is queued in the
// current datagram for Flush; in stream mode it is handed to L1 at once.
func (r *RecordLayer) DispatchWrite() error {
	if !r.pending.open {
		return nil
	}
	p := r.pending
	r.pending = pendingOutRecord{}

	seq := r.writeCipher.seq
	if r.forcedSeq != nil {
		seq = *r.forcedSeq
		r.forcedSeq = nil
	}

	var header []byte
	var ciphertext []byte
	if r.mode == ModeDatagram {
		combined := seq | (uint64(p.epoch) << 48)
		header = make([]byte, recordHeaderLenDatagram)
		header[0] = byte(p.ct)
		encodeUint(uint64(dtlsWireVersion), 2, header[1:3])
		encodeUint(combined, 8, header[3:11])
		if r.writeCipher.aead != nil {
			ciphertext = r.encrypt(seq, header, p.ct, p.body)
		} else {
			ciphertext = p.body
		}
		encodeUint(uint64(len(ciphertext)), 2, header[11:13])
	} else {
		header = make([]byte, recordHeaderLenStream)
		header[0] = byte(p.ct)
		encodeUint(uint64(tlsWireVersion), 2, header[1:3])
		if r.writeCipher.aead != nil {
			ciphertext = r.encrypt(seq, header, p.ct, p.body)
		} else {
			ciphertext = p.body
		}
		encodeUint(uint64(len(ciphertext)), 2, header[3:5])
	}

	if err := r.writeCipher.incrementSeq(); err != nil {
		return err
	}

	record := append(header, ciphertext...)
	if r.mode == ModeDatagram {
		if len(r.datagramBuf)+len(record) > r.maxDatagram {
			if err := r.Flush(); err != nil {
				return err
			}
		}
		r.datagramBuf = append(r.datagramBuf, record...)
		return nil
	}
	_, err := r.out.Send(record)
	return err
}

const (
	tlsWireVersion  = 0x0303
	dtlsWireVersion = 0xfefd
)

func (r *RecordLayer) encrypt(seq uint64, header []byte, ct RecordType, body []byte) []byte {
	cs := r.writeCipher
	sealed := cs.aead.Seal(nil, cs.computeNonce(seq), body, header)
	return sealed
}

// Flush forces any records accumulated in the current datagram (or,
// trivially, the already-sent stream records) out to L1 (§4.2 flush).
func (r *RecordLayer) Flush() error {
	if r.pending.open {
		if err := r.DispatchWrite(); err != nil {
			return err
		}
	}
	if r.mode != ModeDatagram || len(r.datagramBuf) == 0 {
		return nil
	}
	buf := r.datagramBuf
	r.datagramBuf = nil
	_, err := r.out.Send(buf)
	return err
}
