package mps

import "fmt"

// ConnectionState summarizes what a Context may still do (§6
// connection_state).
type ConnectionState int

const (
	StateOpen ConnectionState = iota
	StateWriteOnly
	StateReadOnly
	StateClosed
	StateBlocked
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWriteOnly:
		return "write-only"
	case StateReadOnly:
		return "read-only"
	case StateClosed:
		return "closed"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MsgKind is what Read() classifies the next inbound record as.
type MsgKind int

const (
	MsgNone MsgKind = iota
	MsgApplication
	MsgHandshake
	MsgAlert
	MsgChangeCipherSpec
)

type writerKind int

const (
	writerNone writerKind = iota
	writerApplication
	writerHandshake
	writerCCS
	writerAlert
)

// Context is the top-level MPS handle: the user-facing surface described
// by §6, wiring L1 (transport.go) through L4 (flight.go) together.
type Context struct {
	label    string
	mode     Mode
	records  *RecordLayer
	messages *MessageLayer
	fsm      *FSM

	blocked   *Error
	closed    bool
	readOnly  bool
	writeOnly bool

	readOutstanding bool
	pendingKind     MsgKind
	pendingReader   *Reader
	pendingHSType   HandshakeType
	pendingHSLen    uint32
	pendingHSSeq    uint32
	pendingHSEpoch  Epoch
	pendingAlertLvl AlertLevel
	pendingAlert    AlertDescription

	activeWriter     *Writer
	activeWriterKind writerKind

	pendingFatalAlert *AlertDescription
}

// Init constructs a Context per §6 init(config).
func Init(cfg Config) (*Context, error) {
	cfg.fillDefaults()
	if cfg.Send == nil || cfg.Recv == nil {
		return nil, newError(KindBadInput, LayerContext, "init: Send and Recv are required")
	}
	adapter := NewFuncAdapter(cfg.Send, cfg.Recv, cfg.RecvTimeout)
	records := NewRecordLayer(cfg.Mode, adapter, adapter, cfg.MaxRecordPayload)
	records.SetLabel(cfg.Label)
	messages := NewMessageLayer(records, cfg.Mode)
	fsm := NewFSM(cfg.Mode, records, messages, cfg.Timer, cfg.RetransmitTimeoutMinMS, cfg.RetransmitTimeoutMaxMS, cfg.MaxFlightLength, cfg.FutureMessageBuffers, cfg.MaxFinalizeRetransmits)
	return &Context{label: cfg.Label, mode: cfg.Mode, records: records, messages: messages, fsm: fsm}, nil
}

// SetBio rewires the L1 send/recv/recv-timeout primitives (§6 set_bio).
func (c *Context) SetBio(send, recv func([]byte) (int, error), recvTimeout func([]byte, int) (int, error)) {
	adapter := NewFuncAdapter(send, recv, recvTimeout)
	c.records.in = adapter
	c.records.out = adapter
}

func (c *Context) RegisterEpoch(factory AEADFactory, keys *KeySet) Epoch {
	return c.records.RegisterEpoch(factory, keys)
}

func (c *Context) ActivateReadEpoch(e Epoch) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.fail(c.records.ActivateReadEpoch(e))
}

func (c *Context) ActivateWriteEpoch(e Epoch) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.fail(c.records.ActivateWriteEpoch(e))
}

func (c *Context) GetSequenceNumber(out *[8]byte) { c.records.GetSequenceNumber(out) }
func (c *Context) ForceSequenceNumber(seq [8]byte) { c.records.ForceSequenceNumber(seq) }

func (c *Context) ConnectionState() ConnectionState {
	switch {
	case c.blocked != nil:
		return StateBlocked
	case c.closed:
		return StateClosed
	case c.readOnly:
		return StateReadOnly
	case c.writeOnly:
		return StateWriteOnly
	default:
		return StateOpen
	}
}

func (c *Context) ErrorState() (*Error, bool) {
	return c.blocked, c.blocked != nil
}

// checkLive enforces §7's propagation policy: once blocked, every call
// but Flush and Close returns blocked.
func (c *Context) checkLive() error {
	if c.blocked != nil {
		return newError(KindInternal, LayerContext, "context is blocked: "+c.blocked.Error())
	}
	if c.closed {
		return newError(KindInternal, LayerContext, "context is closed")
	}
	return nil
}

// fail records a non-want-* error into the blocking info and, if it is
// one the peer needs to learn about, attempts a fatal alert before
// returning (§7 "user-visible failure").
func (c *Context) fail(err error) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if !ok {
		e = wrapError(KindInternal, LayerContext, err)
	}
	if !e.Kind.Fatal() {
		return e
	}
	c.blocked = e
	c.fsm.Close()
	if desc, send := alertForKind(e.Kind); send {
		c.queueFatalAlert(desc)
	}
	return e
}

func (c *Context) queueFatalAlert(desc AlertDescription) {
	c.pendingFatalAlert = &desc
}

// ReadDependencies reports which external conditions would let a blocked
// read make progress (§6).
func (c *Context) ReadDependencies() Deps {
	return DepsReadable | DepsTimer
}

// WriteDependencies reports which external conditions would let a
// blocked write make progress (§6).
func (c *Context) WriteDependencies() Deps {
	return DepsWritable
}

// Tick consults the retransmission timer and, if it has expired, drives
// the flight state machine's timeout policy (§4.4, §8 scenario 3). Read
// calls this internally on every pass, but a caller blocked on
// ReadDependencies' DepsTimer with nothing else to do can call it
// directly instead of going through Read.
func (c *Context) Tick() error {
	if err := c.checkLive(); err != nil {
		return err
	}
	return c.tick()
}

func (c *Context) tick() error {
	if c.fsm.timer == nil || c.fsm.timer.Get() != TimerExpired {
		return nil
	}
	return c.fail(c.fsm.OnTimerExpired())
}

// Read pulls and classifies the next inbound message (§6 read()). In
// datagram mode, discarded records (replay/auth failure) are skipped
// transparently; the caller only ever sees want-read or a classified
// message.
func (c *Context) Read() (MsgKind, error) {
	if err := c.checkLive(); err != nil {
		return MsgNone, err
	}
	if c.readOutstanding {
		return MsgNone, newError(KindBadInput, LayerContext, "a reader is already outstanding")
	}
	for {
		if terr := c.tick(); terr != nil {
			return MsgNone, terr
		}
		c.records.SetRecvTimeoutMS(c.fsm.PollIntervalMS())
		res, ok, err := c.messages.Next()
		if err != nil {
			if e, match := err.(*Error); match && e.Kind == KindWantRead {
				if terr := c.tick(); terr != nil {
					return MsgNone, terr
				}
			}
			return MsgNone, c.fail(err)
		}
		if !ok {
			continue // datagram-mode silent discard; try the next queued/pending record
		}

		switch {
		case res.Application != nil:
			c.pendingKind = MsgApplication
			c.pendingReader = res.Application
			c.readOutstanding = true
			return MsgApplication, nil
		case res.ContentType == RecordTypeAlert:
			c.pendingKind = MsgAlert
			c.pendingAlertLvl = res.AlertLevel
			c.pendingAlert = res.Alert
			c.readOutstanding = true
			return MsgAlert, nil
		case res.ContentType == RecordTypeChangeCipherSpec:
			c.pendingKind = MsgChangeCipherSpec
			c.readOutstanding = true
			return MsgChangeCipherSpec, nil
		case res.Fragment != nil:
			available, derr := c.fsm.DeliverIncoming(res.Fragment)
			if derr != nil {
				return MsgNone, c.fail(derr)
			}
			if !available {
				return MsgNone, wantReadFrom(LayerFlight)
			}
			msg, _ := c.fsm.reassembler.Available()
			c.pendingKind = MsgHandshake
			c.pendingHSType = msg.Type
			c.pendingHSLen = msg.TotalLen
			c.pendingHSSeq = msg.Seq
			c.pendingHSEpoch = msg.Epoch
			c.pendingReader = newReader(msg.Body)
			c.readOutstanding = true
			return MsgHandshake, nil
		}
	}
}

// ReadCheck is a non-blocking variant of Read: it reports the next
// message's kind without erroring on want-read (§6 read_check).
func (c *Context) ReadCheck() (MsgKind, bool) {
	if c.readOutstanding {
		return MsgNone, false
	}
	_ = c.tick()
	if _, ok, err := c.records.PeekRecordType(false); err != nil || !ok {
		return MsgNone, false
	}
	kind, err := c.Read()
	if err != nil {
		return MsgNone, false
	}
	return kind, true
}

func (c *Context) ReadApplication() (*Reader, error) {
	if c.pendingKind != MsgApplication {
		return nil, newError(KindBadInput, LayerContext, "no application-data message pending")
	}
	return c.pendingReader, nil
}

func (c *Context) ReadHandshake() (typ HandshakeType, totalLen uint32, reader *Reader, err error) {
	if c.pendingKind != MsgHandshake {
		return 0, 0, nil, newError(KindBadInput, LayerContext, "no handshake message pending")
	}
	return c.pendingHSType, c.pendingHSLen, c.pendingReader, nil
}

func (c *Context) ReadAlert() (AlertLevel, AlertDescription, error) {
	if c.pendingKind != MsgAlert {
		return 0, 0, newError(KindBadInput, LayerContext, "no alert pending")
	}
	return c.pendingAlertLvl, c.pendingAlert, nil
}

// ReadSetFlags declares the just-read message's position in the incoming
// flight (§6 read_set_flags). Only meaningful for handshake/CCS messages.
func (c *Context) ReadSetFlags(flags MessageFlags) {
	if c.pendingKind == MsgHandshake {
		c.fsm.ReadSetFlags(c.pendingHSEpoch, c.pendingHSSeq, flags)
	}
}

// ReadPause stashes the current reader's state for a later call that
// continues the same logical message (§6 read_pause).
func (c *Context) ReadPause(state interface{}) {
	if c.pendingReader != nil {
		c.pendingReader.Pause(state)
	}
	c.readOutstanding = false
}

// ReadConsume releases the current reader. For a handshake message this
// also clears the reassembly slot and advances to the next expected
// sequence number (§4.5 Consume, §6 read_consume).
func (c *Context) ReadConsume() {
	if c.pendingKind == MsgHandshake {
		if c.fsm.ConsumeIncoming() {
			logf(logTypeFlight, "%s next reassembly slot already complete after consume", c.label)
		}
	}
	c.pendingReader = nil
	c.pendingKind = MsgNone
	c.readOutstanding = false
}

func (c *Context) beginWrite(kind writerKind, w *Writer, err error) (*Writer, error) {
	if err != nil {
		return nil, c.fail(err)
	}
	if c.activeWriter != nil {
		return nil, newError(KindBadInput, LayerContext, "a writer is already outstanding")
	}
	c.activeWriter = w
	c.activeWriterKind = kind
	return w, nil
}

func (c *Context) WriteApplication() (*Writer, error) {
	if err := c.checkLive(); err != nil {
		return nil, err
	}
	w, err := c.records.OpenWrite(RecordTypeApplicationData, c.records.activeWriteEpoch, 0)
	return c.beginWrite(writerApplication, w, err)
}

func (c *Context) WriteHandshake(typ HandshakeType, length int, cb RetransmitCallback, cbCtx interface{}) (*Writer, error) {
	if err := c.checkLive(); err != nil {
		return nil, err
	}
	w, err := c.fsm.WriteHandshake(typ, length, cb, cbCtx)
	return c.beginWrite(writerHandshake, w, err)
}

func (c *Context) WriteCCS() (*Writer, error) {
	if err := c.checkLive(); err != nil {
		return nil, err
	}
	w, err := c.fsm.WriteCCS()
	return c.beginWrite(writerCCS, w, err)
}

func (c *Context) WriteAlert(level AlertLevel, desc AlertDescription) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	w, err := c.records.OpenWrite(RecordTypeAlert, c.records.activeWriteEpoch, 2)
	if err != nil {
		return c.fail(err)
	}
	if _, err := c.beginWrite(writerAlert, w, nil); err != nil {
		return err
	}
	if err := writeAll(w, marshalAlert(level, desc)); err != nil {
		return c.fail(err)
	}
	return c.Dispatch()
}

func (c *Context) WriteSetFlags(flags MessageFlags) error {
	if c.activeWriterKind != writerHandshake && c.activeWriterKind != writerCCS {
		return nil
	}
	return c.fsm.WriteSetFlags(flags)
}

func (c *Context) WritePause() error {
	if c.activeWriter == nil {
		return newError(KindBadInput, LayerContext, "no outstanding writer to pause")
	}
	err := c.activeWriter.Pause()
	c.activeWriter = nil
	c.activeWriterKind = writerNone
	return err
}

// Dispatch closes out the message currently being written (§6 dispatch).
func (c *Context) Dispatch() error {
	if err := c.checkLive(); err != nil {
		return err
	}
	kind := c.activeWriterKind
	c.activeWriter = nil
	c.activeWriterKind = writerNone

	switch kind {
	case writerHandshake, writerCCS:
		return c.fail(c.fsm.Dispatch(c.records.activeWriteEpoch))
	case writerApplication, writerAlert:
		return c.fail(c.records.DispatchWrite())
	default:
		return nil
	}
}

// Flush hands prepared records to L1 and applies any deferred flight
// transition (§6 flush). It is one of the two calls still permitted once
// blocked, so a pending fatal alert can still reach the wire.
func (c *Context) Flush() error {
	if c.pendingFatalAlert != nil {
		desc := *c.pendingFatalAlert
		c.pendingFatalAlert = nil
		if w, err := c.records.OpenWrite(RecordTypeAlert, c.records.activeWriteEpoch, 2); err == nil {
			_ = writeAll(w, marshalAlert(AlertLevelFatal, desc))
			_ = c.records.DispatchWrite()
		}
	}
	if c.blocked != nil {
		return c.records.Flush()
	}
	if err := c.fsm.Flush(); err != nil {
		return c.fail(err)
	}
	return nil
}

// SendFatalAlert sends a fatal alert immediately and moves the context to
// blocked (§6 send_fatal_alert).
func (c *Context) SendFatalAlert(desc AlertDescription) error {
	if err := c.WriteAlert(AlertLevelFatal, desc); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}
	c.blocked = newError(KindAlertSent, LayerContext, fmt.Sprintf("sent fatal alert %v", desc))
	c.blocked.AlertValue = uint8(desc)
	c.fsm.Close()
	return nil
}

// Close performs orderly shutdown: a close_notify alert, then moves to
// closed. Idempotent (§8 "close() is idempotent").
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	if c.blocked == nil {
		_ = c.WriteAlert(AlertLevelWarning, AlertCloseNotify)
		_ = c.Flush()
	}
	c.fsm.Close()
	c.closed = true
	return nil
}
