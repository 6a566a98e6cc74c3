// Package rekey re-encrypts every page of a live database under a new key
// as one journaled transaction.
//
// The walk loads the new key into the codec's current slot and marks every
// page dirty. Pages are decoded with the previous key on the way in, the
// journal stores them encoded with the previous key, and commit writes them
// encoded with the current key. Any failure restores both key slots and
// plays the journal back, leaving the file readable with the old key.
package rekey

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite/internal/codec"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite/internal/pager"
	"github.com/FocuswithJustin/pagecrypt/internal/logging"
)

// PendingByte is the file offset of the lock byte page. The page holding
// it is never read or written.
const PendingByte = 0x40000000

// State is the phase a Transaction is in.
type State string

const (
	StateIdle        State = "idle"
	StateLocked      State = "locked"
	StateScanning    State = "scanning"
	StateCommitting  State = "committing"
	StateRollingBack State = "rolling_back"
)

// Pager is the page store a re-key walks.
type Pager interface {
	Get(pgno pager.Pgno) (*pager.DbPage, error)
	Put(page *pager.DbPage)
	// Write journals page and marks it dirty.
	Write(page *pager.DbPage) error
	BeginWrite() error
	CommitPhaseOne() error
	CommitPhaseTwo() error
	Rollback() error
	PageCount() pager.Pgno
	PageSize() int
	ReservedBytes() int
	SetReservedBytes(n int) error
	IsReadOnly() bool
}

// Progress is called after each page has been marked dirty.
type Progress func(done, total pager.Pgno)

// Option configures a Transaction.
type Option func(*Transaction)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transaction) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithProgress sets a progress callback.
func WithProgress(fn Progress) Option {
	return func(t *Transaction) { t.progress = fn }
}

// Transaction re-keys the database behind one codec. Runs are serialized.
type Transaction struct {
	codec    *codec.PageCodec
	pager    Pager
	logger   *slog.Logger
	progress Progress

	mu        sync.Mutex
	state     atomic.Value // State
	interrupt atomic.Bool
}

// New returns a Transaction for the database p serves through c.
func New(c *codec.PageCodec, p Pager, opts ...Option) *Transaction {
	t := &Transaction{
		codec:  c,
		pager:  p,
		logger: logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.Store(StateIdle)
	return t
}

// State returns the current phase.
func (t *Transaction) State() State {
	return t.state.Load().(State)
}

// Interrupt asks a running re-key to roll back at its next page. The
// request is consumed when observed.
func (t *Transaction) Interrupt() {
	t.interrupt.Store(true)
}

// run holds what one Run needs to roll back.
type run struct {
	ctx      context.Context
	snap     codec.Snapshot
	began    bool
	oldRes   int
	newRes   int
	pageSize int
}

// Run re-encrypts every page under key. An empty key decrypts the
// database. Failures return an *errors.TransactionError wrapping the
// cause, after the file and both key slots are back as they were.
//
// The trailer grows only from the null key, to the backend minimum.
func (t *Transaction) Run(ctx context.Context, key codec.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A request left from before this run does not apply to it.
	t.interrupt.Store(false)

	ctx = logging.WithTxID(ctx, uuid.New().String())
	t.setState(StateLocked)
	defer t.setState(StateIdle)

	if t.pager.IsReadOnly() {
		return errors.NewTransaction("begin", 0, errors.ErrReadOnly)
	}

	r := &run{ctx: ctx, snap: t.codec.Slots().Snapshot()}
	if err := t.pager.BeginWrite(); err != nil {
		return errors.NewTransaction("begin", 0, err)
	}
	r.began = true

	km, err := t.codec.LoadKey(key)
	if err != nil {
		return t.rollback(r, "load_key", 0, err)
	}

	r.pageSize = t.pager.PageSize()
	r.oldRes = t.pager.ReservedBytes()
	r.newRes = r.oldRes
	if !km.IsNull() {
		if b := t.codec.Backend(); r.oldRes < b.MinReserved() {
			r.newRes = b.ReservedBytes()
			if _, err := b.Layout(r.pageSize, r.newRes); err != nil {
				return t.rollback(r, "load_key", 0, err)
			}
		} else if err := t.codec.CheckKey(km); err != nil {
			return t.rollback(r, "load_key", 0, err)
		}
	}

	t.setState(StateScanning)
	total := t.pager.PageCount()
	logging.RekeyEvent(ctx, t.logger, "begin",
		"backend", t.codec.Backend().Kind().String(),
		"pages", total,
		"reserved", r.oldRes,
		"new_reserved", r.newRes,
	)

	if err := t.scan(r, total); err != nil {
		return err
	}
	if r.newRes != r.oldRes {
		if err := t.pager.SetReservedBytes(r.newRes); err != nil {
			return t.rollback(r, "grow", 0, err)
		}
	}

	t.setState(StateCommitting)
	t.codec.Slots().Promote()
	if err := t.pager.CommitPhaseOne(); err != nil {
		return t.rollback(r, "commit", 0, err)
	}
	if err := t.pager.CommitPhaseTwo(); err != nil {
		return t.rollback(r, "commit", 0, err)
	}

	t.codec.Slots().Discard(r.snap)
	logging.RekeyEvent(ctx, t.logger, "committed", "pages", total)
	return nil
}

// scan fetches and marks dirty every page in ascending order, skipping the
// lock byte page.
func (t *Transaction) scan(r *run, total pager.Pgno) error {
	skip := pager.Pgno(PendingByte/r.pageSize + 1)

	var done pager.Pgno
	for pgno := pager.Pgno(1); pgno <= total; pgno++ {
		if pgno == skip {
			continue
		}
		page, err := t.pager.Get(pgno)
		if err != nil {
			return t.rollback(r, "read", uint32(pgno), err)
		}
		if err := t.poll(r.ctx); err != nil {
			t.pager.Put(page)
			return t.rollback(r, "scan", uint32(pgno), err)
		}
		if r.newRes != r.oldRes && !tailIsZero(page.Data, r.pageSize-r.newRes, r.pageSize-r.oldRes) {
			t.pager.Put(page)
			return t.rollback(r, "grow", uint32(pgno), errors.NewValidation("reserved_bytes",
				fmt.Sprintf("page %d has content where the %d byte trailer would go", pgno, r.newRes)))
		}
		if err := t.pager.Write(page); err != nil {
			t.pager.Put(page)
			return t.rollback(r, "write", uint32(pgno), err)
		}
		t.pager.Put(page)

		done++
		if t.progress != nil {
			t.progress(done, total)
		}
	}
	return nil
}

// poll reports a cancelled context or a pending interrupt, consuming the
// interrupt.
func (t *Transaction) poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.interrupt.Swap(false) {
		return errors.ErrInterrupted
	}
	return nil
}

// rollback restores the key slots first, so the pager reports the
// original geometry to a codec holding the original keys, then plays the
// journal back.
func (t *Transaction) rollback(r *run, op string, pgno uint32, cause error) error {
	t.setState(StateRollingBack)
	t.codec.Slots().Restore(r.snap)
	if r.began {
		if err := t.pager.Rollback(); err != nil {
			t.logger.ErrorContext(r.ctx, "rekey rollback failed", "tx_id", logging.GetTxID(r.ctx), "error", err)
			cause = errors.Join(cause, err)
		}
	}
	logging.RekeyEvent(r.ctx, t.logger, "rolled_back", "op", op, "page", pgno, "error", cause.Error())
	return errors.NewTransaction(op, pgno, cause)
}

func (t *Transaction) setState(s State) {
	t.state.Store(s)
}

func tailIsZero(data []byte, from, to int) bool {
	for _, b := range data[from:to] {
		if b != 0 {
			return false
		}
	}
	return true
}
