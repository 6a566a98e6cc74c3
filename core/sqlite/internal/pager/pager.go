package pager

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite/internal/codec"
	"github.com/FocuswithJustin/pagecrypt/internal/logging"
)

// Pager states
const (
	// PagerStateOpen - pager is open but no transaction is active
	PagerStateOpen = iota

	// PagerStateReader - pages have been read, no write transaction
	PagerStateReader

	// PagerStateWriterLocked - write transaction started, nothing journaled
	PagerStateWriterLocked

	// PagerStateWriterCachemod - write transaction, cache modified
	PagerStateWriterCachemod

	// PagerStateWriterFinished - commit phase one done, database file written
	PagerStateWriterFinished

	// PagerStateError - a commit failed; only Rollback is allowed
	PagerStateError
)

// Default values
const (
	DefaultCacheSize = 2000 // Default number of pages to cache

	// maxPageNum is the largest page number a 32-bit pager can address
	maxPageNum = 0x7FFFFFFF
)

// Common errors
var (
	ErrInvalidPageSize = errors.New("invalid page size")
	ErrInvalidPageNum  = errors.New("invalid page number")
	ErrInvalidOffset   = errors.New("invalid offset")
	ErrReadOnly        = errors.ErrReadOnly
	ErrNoTransaction   = errors.New("no transaction active")
	ErrTransactionOpen = errors.New("transaction already open")
	ErrDatabaseCorrupt = errors.New("database file is corrupt")
	ErrHotJournal      = errors.New("hot journal present on read-only database")
)

// Options configures Open.
type Options struct {
	// PageSize applies to new databases only. Zero means DefaultPageSize.
	PageSize int
	// CacheSize is the soft page cache limit. Zero means DefaultCacheSize.
	CacheSize int
	ReadOnly  bool
	// Codec transforms pages on their way to and from the file. Nil stores
	// pages as they are.
	Codec  *codec.PageCodec
	Logger *slog.Logger
}

// Pager reads and writes pages of one database file through a page cache,
// journals original page images for rollback, and runs every page that
// crosses the file boundary through its codec.
type Pager struct {
	file     *os.File
	filename string

	journal         *Journal
	journalFilename string

	cache  *PageCache
	codec  *codec.PageCodec
	header *DatabaseHeader

	state     int
	pageSize  int
	cacheSize int

	// Trailer width now and at the start of the write transaction
	reserved     int
	origReserved int

	// Number of pages in the database now and at the start of the
	// write transaction
	dbSize     Pgno
	dbOrigSize Pgno

	readOnly bool
	errCode  error
	logger   *slog.Logger

	mu sync.RWMutex
}

// Open opens a database file. A missing file is created unless ReadOnly is
// set. A journal left by an interrupted transaction is played back first.
func Open(filename string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize == 1 || !isValidPageSize(opts.PageSize) {
		return nil, ErrInvalidPageSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	p := &Pager{
		filename:        filename,
		journalFilename: filename + "-journal",
		pageSize:        opts.PageSize,
		cacheSize:       opts.CacheSize,
		readOnly:        opts.ReadOnly,
		codec:           opts.Codec,
		state:           PagerStateOpen,
		logger:          opts.Logger,
	}
	if p.logger == nil {
		p.logger = logging.GetLogger()
	}

	var err error
	if p.readOnly {
		p.file, err = os.OpenFile(filename, os.O_RDONLY, 0)
	} else {
		p.file, err = os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, errors.NewIO("open", filename, err)
	}

	if err := p.recoverHotJournal(); err != nil {
		p.file.Close()
		return nil, err
	}

	info, err := p.file.Stat()
	if err != nil {
		p.file.Close()
		return nil, errors.NewIO("stat", filename, err)
	}

	if info.Size() == 0 {
		if p.readOnly {
			p.file.Close()
			return nil, errors.New("cannot create new database in read-only mode")
		}
		err = p.initializeNewDatabase()
	} else {
		err = p.loadHeader()
	}
	if err != nil {
		p.file.Close()
		return nil, err
	}

	if info.Size() > 0 {
		p.dbSize = Pgno(info.Size() / int64(p.pageSize))
	}
	p.dbOrigSize = p.dbSize
	return p, nil
}

// Close rolls back any open write transaction, wipes the cache and closes
// the file. The codec is left to its owner.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state >= PagerStateWriterLocked {
		if err := p.rollbackLocked(); err != nil {
			return err
		}
	}
	p.cache.Clear()

	if p.file != nil {
		if err := p.file.Close(); err != nil {
			return errors.NewIO("close", p.filename, err)
		}
		p.file = nil
	}
	p.state = PagerStateOpen
	return nil
}

// Get returns page pgno, decoded, with its reference count incremented.
// Pages past the end of the file read as zeros.
func (p *Pager) Get(pgno Pgno) (*DbPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(pgno)
}

func (p *Pager) getLocked(pgno Pgno) (*DbPage, error) {
	if pgno == 0 || pgno > maxPageNum {
		return nil, ErrInvalidPageNum
	}
	if p.file == nil {
		return nil, errors.New("pager is closed")
	}

	if page := p.cache.Get(pgno); page != nil {
		page.Ref()
		return page, nil
	}

	page, err := p.readPage(pgno)
	if err != nil {
		return nil, err
	}
	p.cache.Put(page)
	if p.state == PagerStateOpen {
		p.state = PagerStateReader
	}
	return page, nil
}

// Put releases a reference to a page.
func (p *Pager) Put(page *DbPage) {
	if page == nil {
		return
	}
	page.Unref()
}

// Write journals page if this transaction has not yet done so and marks
// it dirty. A write transaction is started if none is open. Call Write
// before changing page content.
func (p *Pager) Write(page *DbPage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(page)
}

func (p *Pager) writeLocked(page *DbPage) error {
	if p.readOnly {
		return ErrReadOnly
	}
	if page == nil {
		return errors.New("nil page")
	}
	if p.state == PagerStateError {
		return p.errCode
	}
	if p.state < PagerStateWriterLocked {
		if err := p.beginWriteTransaction(); err != nil {
			return err
		}
	}

	if !page.IsWriteable() {
		if page.Pgno <= p.dbOrigSize {
			if err := p.journalPage(page); err != nil {
				return err
			}
		}
		page.MakeWriteable()
	}
	p.cache.MarkDirty(page)
	if page.Pgno > p.dbSize {
		p.dbSize = page.Pgno
	}
	p.state = PagerStateWriterCachemod
	return nil
}

// PageSize returns the page size of the database.
func (p *Pager) PageSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pageSize
}

// ReservedBytes returns the trailer width of every page.
func (p *Pager) ReservedBytes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reserved
}

// Usable returns the payload bytes per page.
func (p *Pager) Usable() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pageSize - p.reserved
}

// PageCount returns the number of pages in the database.
func (p *Pager) PageCount() Pgno {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dbSize
}

// IsReadOnly returns true if the pager is read-only.
func (p *Pager) IsReadOnly() bool {
	return p.readOnly
}

// Codec returns the page codec, or nil.
func (p *Pager) Codec() *codec.PageCodec {
	return p.codec
}

// GetHeader returns a copy of the database header as of the last commit.
func (p *Pager) GetHeader() DatabaseHeader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.header
}

// ReadRaw returns the stored bytes of page pgno without decoding them.
func (p *Pager) ReadRaw(pgno Pgno) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pgno == 0 || pgno > p.dbSize {
		return nil, ErrInvalidPageNum
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, int64(pgno-1)*int64(p.pageSize)); err != nil {
		return nil, errors.NewIO("read", p.filename, err)
	}
	return buf, nil
}

// initializeNewDatabase writes page 1 of an empty database. A keyed codec
// gets the trailer width its backend asks for.
func (p *Pager) initializeNewDatabase() error {
	if p.codec != nil && !p.codec.Slots().Current().IsNull() {
		p.reserved = p.codec.ReservedBytes()
	}
	if err := p.notifyCodec(); err != nil {
		return err
	}
	p.cache = NewPageCache(p.pageSize, p.cacheSize)

	page := NewDbPage(1, p.pageSize)
	copy(page.Data, newPage1(p.pageSize, p.reserved))
	header, err := ParseDatabaseHeader(page.Data)
	if err != nil {
		return err
	}
	if err := p.writePage(page); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return errors.NewIO("sync", p.filename, err)
	}

	p.header = header
	p.origReserved = p.reserved
	p.dbSize = 1
	page.Unref()
	p.cache.Put(page)
	return nil
}

// loadHeader learns the geometry from the clear header bytes, tells the
// codec, then decodes page 1 and validates the header it carries.
func (p *Pager) loadHeader() error {
	raw := make([]byte, DatabaseHeaderSize)
	if _, err := p.file.ReadAt(raw, 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.Wrap(errors.ErrNotADatabase, "short header")
		}
		return errors.NewIO("read header", p.filename, err)
	}

	var pageSize, reserved int
	if p.codec != nil {
		var err error
		pageSize, reserved, err = codec.ReadHeaderGeometry(p.codec.Backend(), raw)
		if err != nil {
			return errors.Wrap(errors.ErrNotADatabase, err.Error())
		}
	} else {
		h, err := ParseDatabaseHeader(raw)
		if err != nil {
			return err
		}
		pageSize, reserved = h.GetPageSize(), int(h.ReservedSpace)
	}

	p.pageSize = pageSize
	p.reserved = reserved
	p.origReserved = reserved
	if err := p.notifyCodec(); err != nil {
		return err
	}
	p.cache = NewPageCache(p.pageSize, p.cacheSize)

	page, err := p.readPage(1)
	if err != nil {
		return err
	}
	header, err := ParseDatabaseHeader(page.Data)
	if err == nil {
		err = header.Validate()
	}
	if err != nil {
		page.wipe()
		return err
	}
	p.header = header
	page.Unref()
	p.cache.Put(page)
	return nil
}

// notifyCodec reports the current geometry to the codec.
func (p *Pager) notifyCodec() error {
	if p.codec == nil {
		return nil
	}
	return p.codec.SizeChanged(p.pageSize, p.reserved)
}

// readPage reads and decodes a page. The whole page is read as zeros if
// it lies past the end of the file.
func (p *Pager) readPage(pgno Pgno) (*DbPage, error) {
	page := NewDbPage(pgno, p.pageSize)

	offset := int64(pgno-1) * int64(p.pageSize)
	n, err := p.file.ReadAt(page.Data, offset)
	if err != nil && err != io.EOF {
		return nil, errors.NewIO("read", p.filename, err)
	}
	if n == 0 {
		return page, nil
	}
	if n < p.pageSize {
		return nil, errors.Wrapf(ErrDatabaseCorrupt, "page %d is truncated", pgno)
	}

	if p.codec != nil {
		if _, err := p.codec.Transform(uint32(pgno), page.Data, codec.DecodeWithPrevious); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// writePage encodes a page with the current key and writes it to the file.
func (p *Pager) writePage(page *DbPage) error {
	data := page.Data
	if p.codec != nil {
		out, err := p.codec.Transform(uint32(page.Pgno), page.Data, codec.EncodeWithCurrent)
		if err != nil {
			return err
		}
		data = out
	}

	offset := int64(page.Pgno-1) * int64(p.pageSize)
	if _, err := p.file.WriteAt(data, offset); err != nil {
		return errors.NewIO("write", p.filename, err)
	}
	if page.Pgno > p.dbSize {
		p.dbSize = page.Pgno
	}
	return nil
}

// journalPage appends the page image the file holds now, encoded with the
// previous key, so playback restores what the old key can read.
func (p *Pager) journalPage(page *DbPage) error {
	if p.journal == nil || !p.journal.IsOpen() {
		p.journal = NewJournal(p.journalFilename, p.pageSize, p.dbOrigSize)
		if err := p.journal.Open(); err != nil {
			return err
		}
	}

	img := page.Data
	if p.codec != nil {
		out, err := p.codec.Transform(uint32(page.Pgno), page.Data, codec.EncodeWithPrevious)
		if err != nil {
			return err
		}
		img = out
	}
	return p.journal.WriteOriginal(uint32(page.Pgno), img)
}
