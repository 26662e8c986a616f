// Package dbtest provides a pgx.Tx stand-in for services tested against
// in-memory repositories.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrBeginFailed is returned by a Beginner whose Fail flag is set.
var ErrBeginFailed = errors.New("dbtest: begin failed")

// Tx satisfies pgx.Tx. Only Commit and Rollback do anything: they record
// that they were called. Rollback after Commit is a no-op, as with pgx.
type Tx struct {
	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return &Tx{}, nil }

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// Committed reports whether Commit succeeded.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether the transaction ended without a commit.
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// Beginner hands out Tx values and keeps them for inspection.
type Beginner struct {
	mu   sync.Mutex
	Fail bool
	txs  []*Tx
}

func (b *Beginner) Begin(context.Context) (pgx.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Fail {
		return nil, ErrBeginFailed
	}
	tx := &Tx{}
	b.txs = append(b.txs, tx)
	return tx, nil
}

// Txs returns every transaction begun so far.
func (b *Beginner) Txs() []*Tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Tx(nil), b.txs...)
}

// Commits counts committed transactions.
func (b *Beginner) Commits() int {
	n := 0
	for _, tx := range b.Txs() {
		if tx.Committed() {
			n++
		}
	}
	return n
}
