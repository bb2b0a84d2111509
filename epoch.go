package mps

import (
	"crypto/cipher"
	"fmt"
)

// Epoch identifies a registered set of AEAD parameters (§3). It is
// allocated monotonically by RegisterEpoch; epoch 0 is always the clear
// (unencrypted) epoch and exists before any registration.
type Epoch uint16

const EpochClear Epoch = 0

func (e Epoch) label() string {
	if e == EpochClear {
		return "clear"
	}
	return fmt.Sprintf("epoch=%d", uint16(e))
}

// AEADFactory builds the bulk cipher for one epoch's keys, mirroring the
// teacher's `func(key []byte) (cipher.AEAD, error)` shape in record-layer.go.
type AEADFactory func(key []byte) (cipher.AEAD, error)

// KeySet carries the key material registered for one epoch: a write key/iv
// pair and a read key/iv pair, each independently derived by the caller's
// key schedule (out of scope here per §1).
type KeySet struct {
	WriteKey []byte
	WriteIV  []byte
	ReadKey  []byte
	ReadIV   []byte
}

// cipherState is one direction's live AEAD state for one epoch: the
// sequence counter, nonce base, and the instantiated AEAD. Named and
// shaped after the teacher's cipherState in record-layer.go.
type cipherState struct {
	epoch Epoch
	seq   uint64
	iv    []byte
	aead  cipher.AEAD
}

func newClearCipherState() *cipherState {
	return &cipherState{epoch: EpochClear}
}

func newCipherState(epoch Epoch, factory AEADFactory, key, iv []byte) (*cipherState, error) {
	aead, err := factory(key)
	if err != nil {
		return nil, err
	}
	return &cipherState{epoch: epoch, iv: iv, aead: aead}, nil
}

func (c *cipherState) computeNonce(seq uint64) []byte {
	if c.aead == nil {
		return nil
	}
	nonce := make([]byte, len(c.iv))
	copy(nonce, c.iv)
	s := seq
	for i := 0; i < 8 && i < len(nonce); i++ {
		nonce[len(nonce)-1-i] ^= byte(s & 0xff)
		s >>= 8
	}
	return nonce
}

func (c *cipherState) overhead() int {
	if c.aead == nil {
		return 0
	}
	return c.aead.Overhead()
}

func (c *cipherState) incrementSeq() error {
	if c.seq >= (1<<48 - 1) {
		return newError(KindInternal, LayerRecord, "record sequence number wraparound")
	}
	c.seq++
	return nil
}

// epochEntry is one slot in the epoch registry: the registered key
// material for both directions plus a reference count for the "retained
// while any in-flight message references it" lifecycle rule in §3.
type epochEntry struct {
	epoch   Epoch
	keys    *KeySet
	factory AEADFactory
	refs    int
}

// epochRegistry owns every epoch ever registered on a Context and enforces
// the §3 lifecycle: an epoch is freed only when it is strictly older than
// both the active read and active write epoch, and nothing still
// references it.
type epochRegistry struct {
	entries map[Epoch]*epochEntry
	next    Epoch
}

func newEpochRegistry() *epochRegistry {
	r := &epochRegistry{entries: make(map[Epoch]*epochEntry), next: 1}
	r.entries[EpochClear] = &epochEntry{epoch: EpochClear}
	return r
}

func (r *epochRegistry) register(factory AEADFactory, keys *KeySet) Epoch {
	e := r.next
	r.next++
	r.entries[e] = &epochEntry{epoch: e, keys: keys, factory: factory}
	return e
}

func (r *epochRegistry) get(e Epoch) (*epochEntry, bool) {
	entry, ok := r.entries[e]
	return entry, ok
}

func (r *epochRegistry) hold(e Epoch) {
	if entry, ok := r.entries[e]; ok {
		entry.refs++
	}
}

func (r *epochRegistry) release(e Epoch) {
	if entry, ok := r.entries[e]; ok && entry.refs > 0 {
		entry.refs--
	}
}

// gc drops every entry strictly older than both active epochs that has no
// outstanding references. Epoch 0 is never dropped.
func (r *epochRegistry) gc(activeRead, activeWrite Epoch) {
	floor := activeRead
	if activeWrite < floor {
		floor = activeWrite
	}
	for e, entry := range r.entries {
		if e == EpochClear || e >= floor {
			continue
		}
		if entry.refs > 0 {
			continue
		}
		delete(r.entries, e)
	}
}
