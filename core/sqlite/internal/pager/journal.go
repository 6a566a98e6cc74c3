package pager

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

// Journal header constants
const (
	// JournalHeaderSize is the size of the journal header in bytes
	JournalHeaderSize = 28

	// JournalMagic is the magic number at the start of a journal file
	JournalMagic = 0xd9d505f9

	// JournalFormatVersion is the journal format version
	JournalFormatVersion = 2

	// journalChecksumSize is the truncated BLAKE3 digest stored per entry.
	journalChecksumSize = 8
)

// Journal is a rollback journal. Each entry holds a page image exactly as
// it was stored in the database file before the transaction, so playback
// needs no key.
//
// Entry format:
//
//	[4 bytes: page number, big-endian]
//	[pageSize bytes: stored page image]
//	[8 bytes: BLAKE3(nonce || pgno || image) prefix]
type Journal struct {
	file     *os.File
	filename string
	pageSize int

	// Number of entries written
	pageCount int

	// Database size in pages when the transaction began
	dbSize Pgno

	nonce  uint32
	hasher *blake3.Hasher

	mu sync.Mutex
}

// JournalHeader represents the header of a journal file.
type JournalHeader struct {
	Magic         uint32 // Magic number
	PageCount     uint32 // Number of pages in the journal
	Nonce         uint32 // Random nonce
	InitialSize   uint32 // Initial database size in pages
	SectorSize    uint32 // Sector size (for atomic writes)
	PageSize      uint32 // Database page size
	FormatVersion uint32 // Journal format version
}

// NewJournal creates a journal for a database of dbSize pages.
func NewJournal(filename string, pageSize int, dbSize Pgno) *Journal {
	return &Journal{
		filename: filename,
		pageSize: pageSize,
		dbSize:   dbSize,
		hasher:   blake3.New(),
	}
}

// Open creates the journal file, truncating any previous content.
func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		return errors.New("journal already open")
	}

	var nonce [4]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return errors.Wrap(err, "generate journal nonce")
	}
	j.nonce = binary.BigEndian.Uint32(nonce[:])

	var err error
	j.file, err = os.OpenFile(j.filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.NewIO("open", j.filename, err)
	}

	if err := j.writeHeader(); err != nil {
		j.file.Close()
		j.file = nil
		return err
	}
	j.pageCount = 0
	return nil
}

// Close closes the journal file without deleting it.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// WriteOriginal appends the stored image of a page. data is copied.
func (j *Journal) WriteOriginal(pageNum uint32, data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New("journal not open")
	}
	if len(data) != j.pageSize {
		return errors.NewValidation("journal", "entry does not match page size")
	}

	entry := make([]byte, j.entrySize())
	binary.BigEndian.PutUint32(entry[0:4], pageNum)
	copy(entry[4:4+j.pageSize], data)
	copy(entry[4+j.pageSize:], j.checksum(pageNum, data))

	off := int64(JournalHeaderSize) + int64(j.pageCount)*int64(len(entry))
	if _, err := j.file.WriteAt(entry, off); err != nil {
		return errors.NewIO("write", j.filename, err)
	}
	j.pageCount++
	return nil
}

// Sync records the entry count in the header and flushes the journal.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New("journal not open")
	}
	if err := j.updatePageCount(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return errors.NewIO("sync", j.filename, err)
	}
	return nil
}

// Rollback writes every valid entry back to db and returns the number of
// pages restored and the database size recorded when the journal began.
// Playback stops at the first short or mismatching entry.
func (j *Journal) Rollback(db io.WriterAt) (restored int, initial Pgno, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return 0, 0, nil
	}

	hdr, err := j.readHeader()
	if err != nil {
		return 0, 0, err
	}
	if hdr.Magic != JournalMagic || int(hdr.PageSize) != j.pageSize {
		return 0, 0, errors.NewValidation("journal", "header does not match database")
	}
	j.nonce = hdr.Nonce

	entry := make([]byte, j.entrySize())
	for i := 0; ; i++ {
		off := int64(JournalHeaderSize) + int64(i)*int64(len(entry))
		n, rerr := j.file.ReadAt(entry, off)
		if n < len(entry) {
			if rerr != nil && rerr != io.EOF {
				return restored, 0, errors.NewIO("read", j.filename, rerr)
			}
			break
		}

		pageNum := binary.BigEndian.Uint32(entry[0:4])
		pageData := entry[4 : 4+j.pageSize]
		if pageNum == 0 || string(entry[4+j.pageSize:]) != string(j.checksum(pageNum, pageData)) {
			break
		}

		offset := int64(pageNum-1) * int64(j.pageSize)
		if _, err := db.WriteAt(pageData, offset); err != nil {
			return restored, 0, errors.Wrapf(err, "restore page %d", pageNum)
		}
		restored++
	}
	return restored, Pgno(hdr.InitialSize), nil
}

// Finalize closes and deletes the journal after a successful commit.
func (j *Journal) Finalize() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return err
		}
		j.file = nil
	}
	if err := os.Remove(j.filename); err != nil && !os.IsNotExist(err) {
		return errors.NewIO("remove", j.filename, err)
	}
	j.pageCount = 0
	return nil
}

// Exists returns true if the journal file exists.
func (j *Journal) Exists() bool {
	_, err := os.Stat(j.filename)
	return err == nil
}

// OpenExisting opens a journal left behind by an interrupted transaction
// and adopts the page size recorded in its header. It reports false if
// there is no usable journal.
func (j *Journal) OpenExisting() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	info, err := os.Stat(j.filename)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.NewIO("stat", j.filename, err)
	}
	if info.Size() < JournalHeaderSize {
		return false, nil
	}

	f, err := os.OpenFile(j.filename, os.O_RDWR, 0)
	if err != nil {
		return false, errors.NewIO("open", j.filename, err)
	}
	j.file = f
	hdr, err := j.readHeader()
	if err != nil || hdr.Magic != JournalMagic || hdr.FormatVersion != JournalFormatVersion || !isValidPageSize(int(hdr.PageSize)) {
		f.Close()
		j.file = nil
		return false, nil
	}
	j.pageSize = int(hdr.PageSize)
	j.dbSize = Pgno(hdr.InitialSize)
	j.nonce = hdr.Nonce
	return true, nil
}

func (j *Journal) entrySize() int {
	return 4 + j.pageSize + journalChecksumSize
}

func (j *Journal) writeHeader() error {
	data := make([]byte, JournalHeaderSize)
	binary.BigEndian.PutUint32(data[0:4], JournalMagic)
	binary.BigEndian.PutUint32(data[4:8], 0)
	binary.BigEndian.PutUint32(data[8:12], j.nonce)
	binary.BigEndian.PutUint32(data[12:16], uint32(j.dbSize))
	binary.BigEndian.PutUint32(data[16:20], 512)
	binary.BigEndian.PutUint32(data[20:24], uint32(j.pageSize))
	binary.BigEndian.PutUint32(data[24:28], JournalFormatVersion)

	if _, err := j.file.WriteAt(data, 0); err != nil {
		return errors.NewIO("write header", j.filename, err)
	}
	return nil
}

func (j *Journal) readHeader() (*JournalHeader, error) {
	data := make([]byte, JournalHeaderSize)
	if _, err := j.file.ReadAt(data, 0); err != nil {
		return nil, errors.NewIO("read header", j.filename, err)
	}
	return &JournalHeader{
		Magic:         binary.BigEndian.Uint32(data[0:4]),
		PageCount:     binary.BigEndian.Uint32(data[4:8]),
		Nonce:         binary.BigEndian.Uint32(data[8:12]),
		InitialSize:   binary.BigEndian.Uint32(data[12:16]),
		SectorSize:    binary.BigEndian.Uint32(data[16:20]),
		PageSize:      binary.BigEndian.Uint32(data[20:24]),
		FormatVersion: binary.BigEndian.Uint32(data[24:28]),
	}, nil
}

func (j *Journal) updatePageCount() error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(j.pageCount))
	if _, err := j.file.WriteAt(data, 4); err != nil {
		return errors.NewIO("write header", j.filename, err)
	}
	return nil
}

// checksum binds an entry to this journal's nonce and its page number.
func (j *Journal) checksum(pageNum uint32, data []byte) []byte {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], j.nonce)
	binary.BigEndian.PutUint32(hdr[4:8], pageNum)
	j.hasher.Reset()
	j.hasher.Write(hdr[:])
	j.hasher.Write(data)
	return j.hasher.Sum(nil)[:journalChecksumSize]
}

// GetPageCount returns the number of pages in the journal.
func (j *Journal) GetPageCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pageCount
}

// IsOpen returns true if the journal file is open.
func (j *Journal) IsOpen() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file != nil
}
