package btree

import (
	"sync"
	"testing"
	"time"
)

func TestThreeModeLockReadersConcurrent(t *testing.T) {
	var l ThreeModeLock
	if !l.TryRLock() {
		t.Fatal("TryRLock on fresh lock failed")
	}
	if !l.TryRLock() {
		t.Fatal("second TryRLock failed; readers should be concurrent")
	}
	l.RUnlock()
	l.RUnlock()
}

func TestThreeModeLockIntentExcludesIntent(t *testing.T) {
	var l ThreeModeLock
	if !l.TryIntentLock() {
		t.Fatal("TryIntentLock on fresh lock failed")
	}
	if l.TryIntentLock() {
		t.Fatal("second TryIntentLock succeeded; intent must be exclusive")
	}
	l.IntentUnlock()
}

func TestThreeModeLockIntentAllowsReaders(t *testing.T) {
	var l ThreeModeLock
	if !l.TryIntentLock() {
		t.Fatal("TryIntentLock failed")
	}
	if !l.TryRLock() {
		t.Fatal("TryRLock should be admitted alongside a held intent lock")
	}
	l.RUnlock()
	l.IntentUnlock()
}

func TestThreeModeLockUpgradeBlocksUntilReadersDrain(t *testing.T) {
	var l ThreeModeLock
	l.IntentLock()
	l.RLock()

	done := make(chan struct{})
	go func() {
		l.UpgradeToWrite()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("UpgradeToWrite returned while a reader still held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	l.RUnlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("UpgradeToWrite never completed after the reader released")
	}
	l.WriteUnlock()
}

func TestThreeModeLockWriterPreferenceBlocksNewReaders(t *testing.T) {
	var l ThreeModeLock
	l.IntentLock()
	l.RLock() // one reader in, to force UpgradeToWrite to block

	upgrading := make(chan struct{})
	upgraded := make(chan struct{})
	go func() {
		close(upgrading)
		l.UpgradeToWrite()
		close(upgraded)
	}()
	<-upgrading
	time.Sleep(10 * time.Millisecond) // let UpgradeToWrite set writerWaiting

	if l.TryRLock() {
		t.Fatal("TryRLock succeeded while an upgrade was pending; writer should be preferred")
	}

	l.RUnlock()

	select {
	case <-upgraded:
	case <-time.After(time.Second):
		t.Fatal("UpgradeToWrite never completed after the reader released")
	}
	l.WriteUnlock()
}

func TestThreeModeLockSeqBumpsOnWriteUnlock(t *testing.T) {
	var l ThreeModeLock
	seq0 := l.Seq()
	l.IntentLock()
	l.UpgradeToWrite()
	l.WriteUnlock()
	if seq1 := l.Seq(); seq1 != seq0+1 {
		t.Fatalf("Seq() after one write cycle = %d; want %d", seq1, seq0+1)
	}
	if !l.Relock(seq0 + 1) {
		t.Fatal("Relock(current seq) reported stale")
	}
	if l.Relock(seq0) {
		t.Fatal("Relock(old seq) reported fresh")
	}
}

func TestThreeModeLockConcurrentReadersNoDataRace(t *testing.T) {
	var l ThreeModeLock
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RLock()
			time.Sleep(time.Millisecond)
			l.RUnlock()
		}()
	}
	wg.Wait()
}
