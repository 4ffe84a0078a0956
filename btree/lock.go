// Package btree implements the B+-tree node cache, its three-mode lock,
// and the multi-level tree iterator (spec §4.2, §4.3).
package btree

import (
	"sync"
	"sync/atomic"
)

// lockState packs reader count, intent-held, write-held, and a sequence
// counter into one atomic word, per spec §9's design note ("implement atop
// a single atomic word encoding (readers-count, intent-held, write-held,
// sequence)"). Layout (low to high bits):
//
//	bits 0-15:  reader count
//	bit  16:    intent held
//	bit  17:    write held
//	bits 32-63: sequence, bumped on every write-lock release
const (
	readerMask   = 0x0000FFFF
	intentBit    = 1 << 16
	writeBit     = 1 << 17
	seqShift     = 32
	maxReaders   = readerMask
)

// ThreeModeLock is a reader/intent/writer lock with the fairness rule spec
// §4.2 requires: intent->write is the only upgrade path, and a write
// acquisition from intent must never deadlock with a waiting reader (the
// implementation grants writes over new readers once an intent-upgrader is
// waiting — writer-preference-given-intent, per spec §9).
type ThreeModeLock struct {
	word atomic.Uint64

	// writerWaiting signals to new readers that an intent-holder is
	// trying to upgrade to write, so they should back off rather than
	// pile on and starve the upgrade.
	writerWaiting atomic.Bool

	mu   sync.Mutex // guards the wait-queues below
	rCh  []chan struct{}
	iCh  []chan struct{}
	wCh  []chan struct{}
}

// Seq returns the current sequence counter. Readers that only hold a read
// lock must re-verify this value after any hold/release (Relock).
func (l *ThreeModeLock) Seq() uint64 {
	return l.word.Load() >> seqShift
}

func unpack(w uint64) (readers uint32, intent, write bool, seq uint64) {
	readers = uint32(w & readerMask)
	intent = w&intentBit != 0
	write = w&writeBit != 0
	seq = w >> seqShift
	return
}

func pack(readers uint32, intent, write bool, seq uint64) uint64 {
	w := uint64(readers & readerMask)
	if intent {
		w |= intentBit
	}
	if write {
		w |= writeBit
	}
	w |= seq << seqShift
	return w
}

// TryRLock attempts to take a read lock without blocking.
func (l *ThreeModeLock) TryRLock() bool {
	if l.writerWaiting.Load() {
		return false
	}
	for {
		old := l.word.Load()
		readers, intent, write, seq := unpack(old)
		if write || readers >= maxReaders {
			return false
		}
		_ = intent // readers are admitted alongside a single intent holder
		nw := pack(readers+1, intent, write, seq)
		if l.word.CompareAndSwap(old, nw) {
			return true
		}
	}
}

// RLock blocks until a read lock is granted.
func (l *ThreeModeLock) RLock() {
	for !l.TryRLock() {
		ch := l.parkOn(&l.rCh)
		<-ch
	}
}

// RUnlock releases a read lock.
func (l *ThreeModeLock) RUnlock() {
	for {
		old := l.word.Load()
		readers, intent, write, seq := unpack(old)
		if readers == 0 {
			panic("btree: RUnlock of unheld read lock")
		}
		nw := pack(readers-1, intent, write, seq)
		if l.word.CompareAndSwap(old, nw) {
			l.wakeAll(&l.rCh)
			l.wakeAll(&l.wCh)
			return
		}
	}
}

// TryIntentLock attempts to take the (single, reader-compatible) intent
// lock without blocking.
func (l *ThreeModeLock) TryIntentLock() bool {
	for {
		old := l.word.Load()
		readers, intent, write, seq := unpack(old)
		if intent || write {
			return false
		}
		nw := pack(readers, true, write, seq)
		if l.word.CompareAndSwap(old, nw) {
			return true
		}
	}
}

// IntentLock blocks until the intent lock is granted.
func (l *ThreeModeLock) IntentLock() {
	for !l.TryIntentLock() {
		ch := l.parkOn(&l.iCh)
		<-ch
	}
}

// IntentUnlock releases the intent lock without ever having upgraded to
// write.
func (l *ThreeModeLock) IntentUnlock() {
	for {
		old := l.word.Load()
		readers, intent, write, seq := unpack(old)
		if !intent {
			panic("btree: IntentUnlock of unheld intent lock")
		}
		nw := pack(readers, false, write, seq)
		if l.word.CompareAndSwap(old, nw) {
			l.wakeAll(&l.iCh)
			return
		}
	}
}

// TryUpgradeToWrite attempts the intent->write upgrade without blocking.
// The caller must already hold the intent lock. Succeeds only once all
// readers have drained.
func (l *ThreeModeLock) TryUpgradeToWrite() bool {
	for {
		old := l.word.Load()
		readers, intent, write, seq := unpack(old)
		if !intent || write {
			panic("btree: TryUpgradeToWrite without held intent lock")
		}
		if readers > 0 {
			return false
		}
		nw := pack(0, true, true, seq)
		if l.word.CompareAndSwap(old, nw) {
			return true
		}
	}
}

// UpgradeToWrite blocks until the intent->write upgrade succeeds. It sets
// writerWaiting first so TryRLock starts refusing new readers, guaranteeing
// forward progress instead of being starved by a steady stream of readers.
func (l *ThreeModeLock) UpgradeToWrite() {
	l.writerWaiting.Store(true)
	defer l.writerWaiting.Store(false)
	for !l.TryUpgradeToWrite() {
		ch := l.parkOn(&l.wCh)
		<-ch
	}
}

// WriteUnlock releases the write lock, bumping the sequence counter so
// read-only holders can detect the change on their next Relock.
func (l *ThreeModeLock) WriteUnlock() {
	for {
		old := l.word.Load()
		readers, intent, write, seq := unpack(old)
		if !write {
			panic("btree: WriteUnlock of unheld write lock")
		}
		_ = intent // a write holder always also holds intent; both release together
		nw := pack(readers, false, false, seq+1)
		if l.word.CompareAndSwap(old, nw) {
			l.wakeAll(&l.iCh)
			l.wakeAll(&l.rCh)
			l.wakeAll(&l.wCh)
			return
		}
	}
}

// TryWriteLock attempts a direct (non-upgrade) write acquisition, used by
// callers that never held intent, e.g. a fresh node being filled.
func (l *ThreeModeLock) TryWriteLock() bool {
	for {
		old := l.word.Load()
		readers, intent, write, seq := unpack(old)
		if readers > 0 || intent || write {
			return false
		}
		nw := pack(0, true, true, seq)
		if l.word.CompareAndSwap(old, nw) {
			return true
		}
	}
}

// Relock re-validates that seq is still current, used by readers that
// dropped their lock and must confirm nothing concurrent invalidated their
// view before resuming (spec §4.2 "readers ... must re-verify the counter
// after any hold/release").
func (l *ThreeModeLock) Relock(seq uint64) bool {
	return l.Seq() == seq
}

func (l *ThreeModeLock) parkOn(list *[]chan struct{}) chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	*list = append(*list, ch)
	l.mu.Unlock()
	return ch
}

func (l *ThreeModeLock) wakeAll(list *[]chan struct{}) {
	l.mu.Lock()
	chs := *list
	*list = nil
	l.mu.Unlock()
	for _, ch := range chs {
		close(ch)
	}
}
