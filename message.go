package mps

// HandshakeType is the handshake message type carried in the handshake
// header; the MPS treats it as an opaque value (parsing the body itself
// is explicitly out of scope, §1).
type HandshakeType uint8

const (
	handshakeHeaderLenStream   = 4  // type(1) + length(3)
	handshakeHeaderLenDatagram = 12 // type(1) + length(3) + seq(2) + offset(3) + fraglen(3)
)

// HandshakeFragment is what L3 hands to L4 for one handshake record: a
// single fragment of a (possibly larger) handshake message (§4.3, §3).
type HandshakeFragment struct {
	Type      HandshakeType
	Seq       uint32 // DTLS message sequence number; 0 and meaningless in stream mode
	TotalLen  uint32
	Offset    uint32
	FragLen   uint32
	Epoch     Epoch
	RecordSeq uint64
	Body      []byte
}

// MessageLayer demultiplexes L2 plaintext into typed messages (§4.3). It
// never reassembles; handshake fragments are handed upward one at a time
// for L4 to reassemble, and in stream mode the handshake byte stream may
// span several OpenRead calls: Next buffers the partial bytes and reports
// want-read until the whole message has arrived. No paused Reader is handed
// out for a partly received stream-mode message.
type MessageLayer struct {
	records  *RecordLayer
	mode     Mode
	hsFrame  *frameReader // buffers handshake bytes across records in stream mode
	hsEpoch  Epoch
	hsRecSeq uint64
}

func NewMessageLayer(records *RecordLayer, mode Mode) *MessageLayer {
	ml := &MessageLayer{
		records: records,
		mode:    mode,
		hsFrame: newFrameReader(handshakeFrameDetails{datagram: mode == ModeDatagram}, mode == ModeDatagram),
	}
	ml.hsFrame.layer = LayerMessage
	return ml
}

type handshakeFrameDetails struct {
	datagram bool
}

func (d handshakeFrameDetails) headerLen() int {
	if d.datagram {
		return handshakeHeaderLenDatagram
	}
	return handshakeHeaderLenStream
}

func (d handshakeFrameDetails) frameLen(hdr []byte) (int, error) {
	n, _ := decodeUint(hdr[1:4], 3)
	if d.datagram {
		// In datagram mode the on-wire frame length is the fragment
		// length (last 3 bytes), not the total message length.
		v, _ := decodeUint(hdr[9:12], 3)
		return int(v), nil
	}
	return int(n), nil
}

// ReadResult is the outcome of demultiplexing one L2 record.
type ReadResult struct {
	ContentType RecordType
	Epoch       Epoch
	RecordSeq   uint64
	Application *Reader
	AlertLevel  AlertLevel
	Alert       AlertDescription
	Fragment    *HandshakeFragment
}

// Next pulls and classifies the next available record. For handshake
// records in stream mode, bytes are fed into the internal frame buffer
// and a complete handshake-header-delimited chunk is returned as a single
// "fragment" with Offset=0 covering the whole chunk (stream handshake
// messages are never actually fragmented on the wire, but the uniform
// HandshakeFragment shape lets L4 treat both modes the same way).
func (m *MessageLayer) Next() (*ReadResult, bool, error) {
	ct, epoch, seq, reader, ok, err := m.records.OpenRead()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	defer m.records.ConsumeRead()

	switch ct {
	case RecordTypeApplicationData:
		return &ReadResult{ContentType: ct, Epoch: epoch, RecordSeq: seq, Application: reader}, true, nil
	case RecordTypeAlert:
		body := reader.Peek(2)
		return &ReadResult{ContentType: ct, Epoch: epoch, RecordSeq: seq, AlertLevel: AlertLevel(body[0]), Alert: AlertDescription(body[1])}, true, nil
	case RecordTypeChangeCipherSpec:
		return &ReadResult{ContentType: ct, Epoch: epoch, RecordSeq: seq}, true, nil
	case RecordTypeHandshake:
		frag, ferr := m.parseHandshakeFragment(epoch, seq, reader.Peek(reader.Remaining()))
		if ferr != nil {
			return nil, false, ferr
		}
		return &ReadResult{ContentType: ct, Epoch: epoch, RecordSeq: seq, Fragment: frag}, true, nil
	default:
		return nil, false, newError(KindInvalidRecord, LayerMessage, "unexpected content type")
	}
}

func (m *MessageLayer) parseHandshakeFragment(epoch Epoch, recSeq uint64, payload []byte) (*HandshakeFragment, error) {
	if m.mode == ModeStream {
		m.hsFrame.addChunk(payload)
		hdr, body, err := m.hsFrame.process()
		if err != nil {
			return nil, err
		}
		length, _ := decodeUint(hdr[1:4], 3)
		return &HandshakeFragment{
			Type:      HandshakeType(hdr[0]),
			Seq:       0,
			TotalLen:  uint32(length),
			Offset:    0,
			FragLen:   uint32(length),
			Epoch:     epoch,
			RecordSeq: recSeq,
			Body:      body,
		}, nil
	}

	if len(payload) < handshakeHeaderLenDatagram {
		return nil, newError(KindInvalidRecord, LayerMessage, "handshake fragment shorter than header")
	}
	typ := HandshakeType(payload[0])
	totalLen, rest := decodeUint(payload[1:4], 3), payload[4:]
	seq, rest := decodeUint(rest[:2], 2), rest[2:]
	offset, rest := decodeUint(rest[:3], 3), rest[3:]
	fragLen, rest := decodeUint(rest[:3], 3), rest[3:]
	if uint64(len(rest)) < fragLen {
		return nil, newError(KindInvalidRecord, LayerMessage, "handshake fragment body shorter than declared fraglen")
	}
	if offset+fragLen > totalLen {
		return nil, newError(KindInvalidRecord, LayerMessage, "fragment offset/length overflows total length")
	}
	return &HandshakeFragment{
		Type:      typ,
		Seq:       uint32(seq),
		TotalLen:  uint32(totalLen),
		Offset:    uint32(offset),
		FragLen:   uint32(fragLen),
		Epoch:     epoch,
		RecordSeq: recSeq,
		Body:      rest[:fragLen],
	}, nil
}

// MarshalHandshakeHeader encodes one fragment's header in the shape L3
// expects on the wire for the given mode.
func MarshalHandshakeHeader(mode Mode, typ HandshakeType, totalLen uint32, seq uint32, offset, fragLen uint32) []byte {
	if mode == ModeStream {
		hdr := make([]byte, handshakeHeaderLenStream)
		hdr[0] = byte(typ)
		encodeUint(uint64(totalLen), 3, hdr[1:4])
		return hdr
	}
	hdr := make([]byte, handshakeHeaderLenDatagram)
	hdr[0] = byte(typ)
	encodeUint(uint64(totalLen), 3, hdr[1:4])
	encodeUint(uint64(seq), 2, hdr[4:6])
	encodeUint(uint64(offset), 3, hdr[6:9])
	encodeUint(uint64(fragLen), 3, hdr[9:12])
	return hdr
}
