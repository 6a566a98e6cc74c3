package pager

import (
	"fmt"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

// BeginWrite starts a write transaction.
// Only one write transaction can be active at a time.
func (p *Pager) BeginWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readOnly {
		return ErrReadOnly
	}
	if p.state == PagerStateError {
		return p.errCode
	}
	if p.state >= PagerStateWriterLocked {
		return ErrTransactionOpen
	}
	return p.beginWriteTransaction()
}

func (p *Pager) beginWriteTransaction() error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.state = PagerStateWriterLocked
	p.dbOrigSize = p.dbSize
	p.origReserved = p.reserved
	return nil
}

// InWriteTransaction returns true if a write transaction is active.
func (p *Pager) InWriteTransaction() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state >= PagerStateWriterLocked
}

// Commit runs both commit phases.
func (p *Pager) Commit() error {
	if err := p.CommitPhaseOne(); err != nil {
		return err
	}
	return p.CommitPhaseTwo()
}

// CommitPhaseOne stamps the header, syncs the journal, writes every dirty
// page encoded with the current key and syncs the database file. After a
// failure the pager only accepts Rollback.
func (p *Pager) CommitPhaseOne() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}
	if p.state == PagerStateError {
		return p.errCode
	}
	if p.state == PagerStateWriterFinished {
		return nil
	}

	if p.state == PagerStateWriterCachemod {
		if err := p.stampHeader(); err != nil {
			return p.fail(err)
		}
	}

	if p.journal != nil && p.journal.IsOpen() {
		if err := p.journal.Sync(); err != nil {
			return p.fail(err)
		}
	}

	dirty := p.cache.GetDirtyPages()
	for _, page := range dirty {
		if err := p.writePage(page); err != nil {
			return p.fail(err)
		}
	}
	if len(dirty) > 0 {
		if err := p.file.Sync(); err != nil {
			return p.fail(errors.NewIO("sync", p.filename, err))
		}
	}

	p.state = PagerStateWriterFinished
	p.logger.Debug("commit phase one", "file", p.filename, "pages", len(dirty), "page_count", p.dbSize)
	return nil
}

// CommitPhaseTwo deletes the journal, making the transaction durable, and
// marks the cache clean.
func (p *Pager) CommitPhaseTwo() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}
	if p.state != PagerStateWriterFinished {
		return errors.Wrap(ErrNoTransaction, "commit phase one has not completed")
	}

	if p.journal != nil {
		if err := p.journal.Finalize(); err != nil {
			return p.fail(err)
		}
	}

	if page := p.cache.Get(1); page != nil {
		if h, err := ParseDatabaseHeader(page.Data); err == nil {
			p.header = h
		}
	}
	p.cache.MakeClean()
	p.dbOrigSize = p.dbSize
	p.origReserved = p.reserved
	p.state = PagerStateOpen
	return nil
}

// Rollback plays the journal back onto the file, truncates pages the
// transaction appended, drops the cache and restores the trailer width
// the transaction started with.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbackLocked()
}

func (p *Pager) rollbackLocked() error {
	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}

	restored := 0
	if p.journal != nil && p.journal.IsOpen() {
		var err error
		restored, _, err = p.journal.Rollback(p.file)
		if err != nil {
			return p.fail(err)
		}
	}
	if err := p.truncate(p.dbOrigSize); err != nil {
		return p.fail(err)
	}
	if p.journal != nil {
		if err := p.journal.Finalize(); err != nil {
			return p.fail(err)
		}
	}

	p.cache.Clear()
	p.dbSize = p.dbOrigSize
	if p.reserved != p.origReserved {
		p.reserved = p.origReserved
		if err := p.notifyCodec(); err != nil {
			return p.fail(err)
		}
	}
	p.state = PagerStateOpen
	p.errCode = nil
	p.logger.Debug("rollback", "file", p.filename, "pages_restored", restored)
	return nil
}

// SetReservedBytes changes the trailer width of every page. It must run
// inside a write transaction; the new width is written to page 1 and the
// codec is told at once, so pages written at commit use it.
func (p *Pager) SetReservedBytes(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}
	if n < 0 || n > 255 || p.pageSize-n < 480 {
		return errors.NewConfiguration("reserved_bytes", fmt.Sprint(n), "out of range for page size")
	}
	if n == p.reserved {
		return nil
	}

	page, err := p.getLocked(1)
	if err != nil {
		return err
	}
	defer page.Unref()
	if err := p.writeLocked(page); err != nil {
		return err
	}

	old := p.reserved
	p.reserved = n
	if err := p.notifyCodec(); err != nil {
		p.reserved = old
		return err
	}
	page.Data[OffsetReservedSpace] = byte(n)
	return nil
}

// stampHeader bumps the change counter and records the page count on
// page 1, journaling it first.
func (p *Pager) stampHeader() error {
	page, err := p.getLocked(1)
	if err != nil {
		return err
	}
	defer page.Unref()
	if err := p.writeLocked(page); err != nil {
		return err
	}
	h, err := ParseDatabaseHeader(page.Data)
	if err != nil {
		return err
	}
	h.FileChangeCounter++
	h.VersionValidFor = h.FileChangeCounter
	h.DatabaseSize = uint32(p.dbSize)
	h.put(page.Data)
	return nil
}

func (p *Pager) truncate(pages Pgno) error {
	info, err := p.file.Stat()
	if err != nil {
		return errors.NewIO("stat", p.filename, err)
	}
	size := int64(pages) * int64(p.pageSize)
	if info.Size() > size {
		if err := p.file.Truncate(size); err != nil {
			return errors.NewIO("truncate", p.filename, err)
		}
	}
	if err := p.file.Sync(); err != nil {
		return errors.NewIO("sync", p.filename, err)
	}
	return nil
}

// recoverHotJournal plays back a journal left by a transaction that never
// reached phase two. Stored images need no key.
func (p *Pager) recoverHotJournal() error {
	j := NewJournal(p.journalFilename, 0, 0)
	ok, err := j.OpenExisting()
	if err != nil || !ok {
		return err
	}
	if p.readOnly {
		j.Close()
		return ErrHotJournal
	}

	restored, initial, err := j.Rollback(p.file)
	if err != nil {
		j.Close()
		return err
	}
	p.pageSize = j.pageSize
	if initial > 0 {
		if err := p.truncate(initial); err != nil {
			j.Close()
			return err
		}
	}
	p.logger.Warn("rolled back hot journal", "file", p.filename, "pages_restored", restored)
	return j.Finalize()
}

// fail moves the pager to the error state.
func (p *Pager) fail(err error) error {
	p.state = PagerStateError
	p.errCode = err
	return err
}
