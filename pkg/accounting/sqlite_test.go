package accounting

import (
	"testing"
	"time"
)

func TestSQLiteLedgerPersistsBalances(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenSQLiteLedger(dir, 1024, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteLedger() error = %v", err)
	}

	p := peerID(1)
	l.Charge(p, 2048, Outbound)
	if l.CanRelay(p) {
		t.Error("CanRelay() = true over budget")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Re-open: the balance must survive the restart.
	l2, err := OpenSQLiteLedger(dir, 1024, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteLedger() reopen error = %v", err)
	}
	defer l2.Close() // nolint:errcheck

	if l2.CanRelay(p) {
		t.Error("persisted balance lost across restart")
	}
	if !l2.CanRelay(peerID(2)) {
		t.Error("unrelated peer refused")
	}
}

func TestSQLiteLedgerCreditRestores(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenSQLiteLedger(dir, 100, nil)
	if err != nil {
		t.Fatalf("OpenSQLiteLedger() error = %v", err)
	}
	defer l.Close() // nolint:errcheck

	p := peerID(3)
	l.Charge(p, 150, Outbound)
	if l.CanRelay(p) {
		t.Error("CanRelay() = true over budget")
	}
	l.Credit(p, 100, Inbound)

	// The cached balance updates synchronously.
	deadline := time.Now().Add(time.Second)
	for !l.CanRelay(p) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !l.CanRelay(p) {
		t.Error("credit did not restore relay permission")
	}
}
