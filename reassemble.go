package mps

// slotState is the state of one reassembly slot (§3 "Reassembly slot").
type slotState int

const (
	slotEmpty slotState = iota
	slotNoFragmentation
	slotWindowed
)

// reassemblySlot holds in-progress state for one handshake sequence
// number, either borrowed directly from L3 (fast path, one fragment
// carried the whole message) or reconstructed from overlapping fragments
// in a owned buffer with a per-byte coverage bitmap.
type reassemblySlot struct {
	state    slotState
	seq      uint32
	epoch    Epoch
	typ      HandshakeType
	totalLen uint32
	body     []byte
	covered  []bool
	have     int // bytes currently covered, for a cheap "complete" check
}

func (s *reassemblySlot) reset() {
	*s = reassemblySlot{}
}

func (s *reassemblySlot) complete() bool {
	return s.state != slotEmpty && s.have >= int(s.totalLen)
}

// DetectionSink lets the reassembler route retransmission-detection events
// (§4.4, §4.5 step 1) back up to the flight state machine without the
// reassembler needing to know about flights itself.
type DetectionSink interface {
	// NoteOldFragment is called when a fragment arrives for a sequence
	// number strictly below next_expected. It returns true if the
	// (epoch, seq) pair belongs to the last fully-received incoming
	// flight, meaning the fragment has already been routed to
	// retransmission-detection logic and must be dropped here. The error
	// return carries a fatal transport/dispatch failure hit while acting
	// on that event (e.g. retransmitting the last flight); Feed must not
	// swallow it.
	NoteOldFragment(epoch Epoch, seq uint32) (bool, error)
}

// Reassembler owns 1+K slots: slot 0 holds the next expected handshake
// message, slots 1..K buffer future messages (§4.5).
type Reassembler struct {
	slots        []reassemblySlot // length 1+K
	nextExpected uint32
	detection    DetectionSink
}

func NewReassembler(futureBuffers int, detection DetectionSink) *Reassembler {
	if futureBuffers < 0 {
		futureBuffers = 0
	}
	return &Reassembler{
		slots:     make([]reassemblySlot, 1+futureBuffers),
		detection: detection,
	}
}

// NextExpected reports the sequence number the reassembler is currently
// waiting for in slot 0.
func (r *Reassembler) NextExpected() uint32 { return r.nextExpected }

// Feed ingests one handshake fragment from L3 (§4.5 algorithm steps 1-6).
// It returns (available, nil) where available is true if, after this
// feed, slot 0 holds a fully reassembled message ready for delivery.
func (r *Reassembler) Feed(frag *HandshakeFragment) (available bool, err error) {
	if frag.Offset+frag.FragLen > frag.TotalLen {
		return false, newError(KindInvalidRecord, LayerFlight, "fragment overflows declared total length")
	}

	if frag.Seq < r.nextExpected {
		if r.detection != nil {
			_, derr := r.detection.NoteOldFragment(frag.Epoch, frag.Seq)
			if derr != nil {
				return false, derr
			}
		}
		return r.slots[0].complete(), nil // stale duplicate (or no detection entry): drop silently
	}

	idx := int(frag.Seq - r.nextExpected)
	if idx >= len(r.slots) {
		return r.slots[0].complete(), nil // beyond K future slots: drop
	}

	slot := &r.slots[idx]

	if slot.state == slotEmpty {
		if frag.Offset == 0 && frag.FragLen == frag.TotalLen {
			// Fast path: borrow the fragment body directly, no copy.
			slot.state = slotNoFragmentation
			slot.seq, slot.epoch, slot.typ, slot.totalLen = frag.Seq, frag.Epoch, frag.Type, frag.TotalLen
			slot.body = frag.Body
			slot.have = int(frag.TotalLen)
			return idx == 0 && slot.complete(), nil
		}
		slot.state = slotWindowed
		slot.seq, slot.epoch, slot.typ, slot.totalLen = frag.Seq, frag.Epoch, frag.Type, frag.TotalLen
		slot.body = make([]byte, frag.TotalLen)
		slot.covered = make([]bool, frag.TotalLen)
		if err := mergeFragment(slot, frag); err != nil {
			return false, err
		}
		return idx == 0 && slot.complete(), nil
	}

	if slot.typ != frag.Type || slot.totalLen != frag.TotalLen || slot.epoch != frag.Epoch {
		return false, newError(KindInvalidRecord, LayerFlight, "fragment disagrees with buffered message on type/length/epoch")
	}

	if slot.state == slotNoFragmentation {
		// Upgrade to an owned, windowed buffer before merging the new
		// fragment in, since the no-fragmentation fast path borrowed its
		// bytes from a now-stale L3 reader.
		owned := append([]byte(nil), slot.body...)
		slot.body = owned
		slot.covered = make([]bool, slot.totalLen)
		for i := range slot.covered {
			slot.covered[i] = true
		}
		slot.state = slotWindowed
	}

	if err := mergeFragment(slot, frag); err != nil {
		return false, err
	}
	return idx == 0 && slot.complete(), nil
}

// mergeFragment writes frag's bytes into slot's owned buffer, checking
// that overlapping bytes agree (§4.5 step 4).
func mergeFragment(slot *reassemblySlot, frag *HandshakeFragment) error {
	for i := uint32(0); i < frag.FragLen; i++ {
		pos := frag.Offset + i
		b := frag.Body[i]
		if slot.covered[pos] {
			if slot.body[pos] != b {
				return newError(KindInvalidRecord, LayerFlight, "overlapping fragment bytes disagree")
			}
			continue
		}
		slot.body[pos] = b
		slot.covered[pos] = true
		slot.have++
	}
	return nil
}

// Available reports the reassembled message in slot 0, if complete.
func (r *Reassembler) Available() (*HandshakeFragment, bool) {
	s := &r.slots[0]
	if !s.complete() {
		return nil, false
	}
	return &HandshakeFragment{
		Type:     s.typ,
		Seq:      s.seq,
		TotalLen: s.totalLen,
		Offset:   0,
		FragLen:  s.totalLen,
		Epoch:    s.epoch,
		Body:     s.body,
	}, true
}

// Consume clears slot 0, shifts every other slot down by one, and
// advances next_expected. If the new slot 0 happens to already be
// complete, it returns true so the caller can deliver it immediately
// (§4.5 "message-available event ... fires again").
func (r *Reassembler) Consume() (nowAvailable bool) {
	copy(r.slots, r.slots[1:])
	r.slots[len(r.slots)-1].reset()
	r.nextExpected++
	return r.slots[0].complete()
}
