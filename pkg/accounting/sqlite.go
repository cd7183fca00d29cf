package accounting

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// ledgerEvent is one accounting event queued for the writer.
type ledgerEvent struct {
	peer    identity.NodeID
	bytes   int64
	credit  bool
	inbound bool
}

// SQLiteLedger is a durable hook backed by modernc.org/sqlite. Events are
// committed by a single background writer so ledger latency never touches
// the relay path; CanRelay reads a cached balance maintained alongside.
type SQLiteLedger struct {
	db     *sql.DB
	events chan ledgerEvent
	logger *logger.Logger

	mu      sync.Mutex
	balance map[identity.NodeID]int64 // charged - credited

	// Budget is how many net bytes a peer may owe before CanRelay
	// refuses. Zero means unlimited.
	Budget int64

	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// OpenSQLiteLedger opens (creating if needed) the ledger database at
// data_dir/ledger.db.
func OpenSQLiteLedger(dataDir string, budget int64, log *logger.Logger) (*SQLiteLedger, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	path := filepath.Join(dataDir, "ledger.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	peer    TEXT NOT NULL,
	charged INTEGER NOT NULL DEFAULT 0,
	credited INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (peer)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close() // nolint:errcheck
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	l := &SQLiteLedger{
		db:      db,
		events:  make(chan ledgerEvent, 4096),
		logger:  log.Component("ledger"),
		balance: make(map[identity.NodeID]int64),
		Budget:  budget,
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := l.loadBalances(); err != nil {
		db.Close() // nolint:errcheck
		return nil, err
	}

	go l.writeLoop()
	return l, nil
}

// loadBalances primes the balance cache from the database.
func (l *SQLiteLedger) loadBalances() error {
	rows, err := l.db.Query(`SELECT peer, charged, credited FROM ledger`)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	defer rows.Close() // nolint:errcheck

	for rows.Next() {
		var peerHex string
		var charged, credited int64
		if err := rows.Scan(&peerHex, &charged, &credited); err != nil {
			return fmt.Errorf("failed to scan ledger row: %w", err)
		}
		id, err := identity.ParseNodeID(peerHex)
		if err != nil {
			continue
		}
		l.balance[id] = charged - credited
	}
	return rows.Err()
}

// Charge implements Hook. The event is queued; a full queue drops the
// event rather than blocking the caller.
func (l *SQLiteLedger) Charge(peer identity.NodeID, bytes int, dir Direction) {
	l.record(ledgerEvent{peer: peer, bytes: int64(bytes), inbound: dir == Inbound})
}

// Credit implements Hook.
func (l *SQLiteLedger) Credit(peer identity.NodeID, bytes int, dir Direction) {
	l.record(ledgerEvent{peer: peer, bytes: int64(bytes), credit: true, inbound: dir == Inbound})
}

func (l *SQLiteLedger) record(ev ledgerEvent) {
	l.mu.Lock()
	if ev.credit {
		l.balance[ev.peer] -= ev.bytes
	} else {
		l.balance[ev.peer] += ev.bytes
	}
	l.mu.Unlock()

	select {
	case l.events <- ev:
	default:
		l.logger.Warn("Ledger event queue full, dropping event")
	}
}

// CanRelay implements Hook from the cached balance.
func (l *SQLiteLedger) CanRelay(peer identity.NodeID) bool {
	if l.Budget == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance[peer] < l.Budget
}

// writeLoop drains events into the database.
func (l *SQLiteLedger) writeLoop() {
	defer close(l.done)
	for {
		select {
		case ev := <-l.events:
			l.commit(ev)
		case <-l.closeCh:
			// Drain what remains before exiting.
			for {
				select {
				case ev := <-l.events:
					l.commit(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *SQLiteLedger) commit(ev ledgerEvent) {
	var q string
	if ev.credit {
		q = `INSERT INTO ledger (peer, credited) VALUES (?, ?)
		     ON CONFLICT(peer) DO UPDATE SET credited = credited + excluded.credited`
	} else {
		q = `INSERT INTO ledger (peer, charged) VALUES (?, ?)
		     ON CONFLICT(peer) DO UPDATE SET charged = charged + excluded.charged`
	}
	if _, err := l.db.Exec(q, ev.peer.String(), ev.bytes); err != nil {
		l.logger.Error("Ledger write failed", "error", err)
	}
}

// Close flushes pending events and closes the database.
func (l *SQLiteLedger) Close() error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	<-l.done
	return l.db.Close()
}
