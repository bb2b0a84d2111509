package mps

// Deps is the dependency bitmask returned by read_dependencies /
// write_dependencies (§6): which external conditions, once satisfied,
// would let a would-block call make progress.
type Deps uint8

const (
	DepsReadable Deps = 1 << iota
	DepsWritable
	DepsTimer
)

// Sender is the send half of the L1 transport adapter (§4.1). For datagram
// transports a call sends exactly one datagram; for stream transports it
// sends exactly the bytes given, possibly partially.
type Sender interface {
	Send(b []byte) (written int, err error)
}

// Receiver is the receive half. Recv returns ErrWantRead (wrapped with
// LayerTransport) when no data is currently available.
type Receiver interface {
	Recv(buf []byte) (n int, err error)
	RecvTimeout(buf []byte, timeoutMS int) (n int, err error)
}

// Adapter bundles the three L1 send/recv primitives; the timer is supplied
// separately (Config.Timer). Context.SetBio takes the individual functions
// and wraps them in an Adapter via NewFuncAdapter.
type Adapter interface {
	Sender
	Receiver
}

// TimerState is the return value of Timer.Get, per §4.1.
type TimerState int

const (
	TimerCancelled TimerState = iota
	TimerPreIntermediate
	TimerPostIntermediate
	TimerExpired
)

// Timer is the monotonic retransmission timer collaborator. Set arms it
// with an intermediate and a final deadline (milliseconds from now); Get
// reports which, if any, has elapsed. A single Timer instance belongs to
// one FSM; it is not shared.
type Timer interface {
	Set(intermediateMS, finalMS int)
	Get() TimerState
	Cancel()
}

// funcAdapter lets callers wire up send/recv/recv-timeout as plain
// functions, the way the teacher's RecordLayerFactory wires up an
// io.ReadWriter -- useful for tests and for adapting an existing
// net.PacketConn without a dedicated type.
type funcAdapter struct {
	send        func([]byte) (int, error)
	recv        func([]byte) (int, error)
	recvTimeout func([]byte, int) (int, error)
}

func NewFuncAdapter(send func([]byte) (int, error), recv func([]byte) (int, error), recvTimeout func([]byte, int) (int, error)) Adapter {
	return &funcAdapter{send: send, recv: recv, recvTimeout: recvTimeout}
}

func (f *funcAdapter) Send(b []byte) (int, error) { return f.send(b) }
func (f *funcAdapter) Recv(b []byte) (int, error) { return f.recv(b) }
func (f *funcAdapter) RecvTimeout(b []byte, ms int) (int, error) {
	if f.recvTimeout == nil {
		return f.recv(b)
	}
	return f.recvTimeout(b, ms)
}
