package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

const (
	// DatabaseHeaderSize is the size of the header at the start of page 1.
	DatabaseHeaderSize = 100

	// DefaultPageSize is the default page size for new databases.
	DefaultPageSize = 4096

	MinPageSize = 512
	MaxPageSize = 65536

	// MagicHeaderString opens every database file.
	MagicHeaderString = "SQLite format 3\x00"
)

// Header field offsets. Bytes 16 through 23 are stored in the clear on
// encrypted files so the geometry can be read before any key is applied.
const (
	OffsetPageSize          = 16 // 2 bytes, 1 means 65536
	OffsetFileFormatWrite   = 18
	OffsetFileFormatRead    = 19
	OffsetReservedSpace     = 20 // trailer bytes at the end of each page
	OffsetMaxPayloadFrac    = 21 // always 64
	OffsetMinPayloadFrac    = 22 // always 32
	OffsetLeafPayloadFrac   = 23 // always 32
	OffsetFileChangeCounter = 24
	OffsetDatabaseSize      = 28
	OffsetFreelistTrunk     = 32
	OffsetFreelistCount     = 36
	OffsetSchemaCookie      = 40
	OffsetSchemaFormat      = 44
	OffsetTextEncoding      = 56
	OffsetUserVersion       = 60
	OffsetApplicationID     = 68
	OffsetVersionValidFor   = 92
	OffsetSQLiteVersion     = 96
)

// Text encodings
const (
	EncodingUTF8    = 1
	EncodingUTF16LE = 2
	EncodingUTF16BE = 3
)

// DatabaseHeader holds the page 1 header fields the pager reads or
// maintains. Bytes it does not model are preserved by writing through
// page 1 rather than re-serializing a fresh header.
type DatabaseHeader struct {
	Magic             [16]byte
	PageSize          uint16 // 1 means 65536
	FileFormatWrite   uint8
	FileFormatRead    uint8
	ReservedSpace     uint8
	MaxPayloadFrac    uint8
	MinPayloadFrac    uint8
	LeafPayloadFrac   uint8
	FileChangeCounter uint32
	DatabaseSize      uint32
	FreelistTrunk     uint32
	FreelistCount     uint32
	SchemaCookie      uint32
	SchemaFormat      uint32
	TextEncoding      uint32
	UserVersion       uint32
	ApplicationID     uint32
	VersionValidFor   uint32
	SQLiteVersion     uint32
}

// ParseDatabaseHeader parses the header from decoded page 1 bytes.
// Failures wrap errors.ErrNotADatabase.
func ParseDatabaseHeader(data []byte) (*DatabaseHeader, error) {
	if len(data) < DatabaseHeaderSize {
		return nil, errors.Wrapf(errors.ErrNotADatabase, "header is %d bytes, want %d", len(data), DatabaseHeaderSize)
	}

	h := &DatabaseHeader{}
	copy(h.Magic[:], data[:16])
	if string(h.Magic[:]) != MagicHeaderString {
		return nil, errors.Wrap(errors.ErrNotADatabase, "bad magic")
	}
	h.PageSize = binary.BigEndian.Uint16(data[OffsetPageSize:])
	if !isValidPageSize(int(h.PageSize)) {
		return nil, errors.Wrapf(errors.ErrNotADatabase, "invalid page size %d", h.PageSize)
	}

	h.FileFormatWrite = data[OffsetFileFormatWrite]
	h.FileFormatRead = data[OffsetFileFormatRead]
	h.ReservedSpace = data[OffsetReservedSpace]
	h.MaxPayloadFrac = data[OffsetMaxPayloadFrac]
	h.MinPayloadFrac = data[OffsetMinPayloadFrac]
	h.LeafPayloadFrac = data[OffsetLeafPayloadFrac]

	be := binary.BigEndian
	h.FileChangeCounter = be.Uint32(data[OffsetFileChangeCounter:])
	h.DatabaseSize = be.Uint32(data[OffsetDatabaseSize:])
	h.FreelistTrunk = be.Uint32(data[OffsetFreelistTrunk:])
	h.FreelistCount = be.Uint32(data[OffsetFreelistCount:])
	h.SchemaCookie = be.Uint32(data[OffsetSchemaCookie:])
	h.SchemaFormat = be.Uint32(data[OffsetSchemaFormat:])
	h.TextEncoding = be.Uint32(data[OffsetTextEncoding:])
	h.UserVersion = be.Uint32(data[OffsetUserVersion:])
	h.ApplicationID = be.Uint32(data[OffsetApplicationID:])
	h.VersionValidFor = be.Uint32(data[OffsetVersionValidFor:])
	h.SQLiteVersion = be.Uint32(data[OffsetSQLiteVersion:])
	return h, nil
}

// Serialize returns the 100 header bytes. Fields the struct does not
// model are zero.
func (h *DatabaseHeader) Serialize() []byte {
	data := make([]byte, DatabaseHeaderSize)
	h.put(data)
	return data
}

// put writes the modelled fields into data, leaving other bytes alone.
func (h *DatabaseHeader) put(data []byte) {
	copy(data, h.Magic[:])
	ps := h.PageSize
	if h.GetPageSize() == MaxPageSize {
		ps = 1
	}

	be := binary.BigEndian
	be.PutUint16(data[OffsetPageSize:], ps)
	data[OffsetFileFormatWrite] = h.FileFormatWrite
	data[OffsetFileFormatRead] = h.FileFormatRead
	data[OffsetReservedSpace] = h.ReservedSpace
	data[OffsetMaxPayloadFrac] = h.MaxPayloadFrac
	data[OffsetMinPayloadFrac] = h.MinPayloadFrac
	data[OffsetLeafPayloadFrac] = h.LeafPayloadFrac
	be.PutUint32(data[OffsetFileChangeCounter:], h.FileChangeCounter)
	be.PutUint32(data[OffsetDatabaseSize:], h.DatabaseSize)
	be.PutUint32(data[OffsetFreelistTrunk:], h.FreelistTrunk)
	be.PutUint32(data[OffsetFreelistCount:], h.FreelistCount)
	be.PutUint32(data[OffsetSchemaCookie:], h.SchemaCookie)
	be.PutUint32(data[OffsetSchemaFormat:], h.SchemaFormat)
	be.PutUint32(data[OffsetTextEncoding:], h.TextEncoding)
	be.PutUint32(data[OffsetUserVersion:], h.UserVersion)
	be.PutUint32(data[OffsetApplicationID:], h.ApplicationID)
	be.PutUint32(data[OffsetVersionValidFor:], h.VersionValidFor)
	be.PutUint32(data[OffsetSQLiteVersion:], h.SQLiteVersion)
}

// NewDatabaseHeader returns the header of a new, empty UTF-8 database.
func NewDatabaseHeader(pageSize int) *DatabaseHeader {
	ps := uint16(pageSize)
	if pageSize == MaxPageSize {
		ps = 1
	}
	h := &DatabaseHeader{
		PageSize:        ps,
		FileFormatWrite: 1,
		FileFormatRead:  1,
		MaxPayloadFrac:  64,
		MinPayloadFrac:  32,
		LeafPayloadFrac: 32,
		SchemaFormat:    4,
		TextEncoding:    EncodingUTF8,
		SQLiteVersion:   3046001,
	}
	copy(h.Magic[:], MagicHeaderString)
	return h
}

// isValidPageSize accepts powers of two from 512 to 65536, and the stored
// value 1 that stands for 65536.
func isValidPageSize(size int) bool {
	if size == 1 {
		return true
	}
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}

// GetPageSize returns the page size in bytes.
func (h *DatabaseHeader) GetPageSize() int {
	if h.PageSize == 1 {
		return MaxPageSize
	}
	return int(h.PageSize)
}

// Validate checks the fields a database engine relies on. A page decoded
// with the wrong key fails here on backends without a MAC.
func (h *DatabaseHeader) Validate() error {
	if err := h.validate(); err != nil {
		return errors.Wrap(errors.ErrNotADatabase, err.Error())
	}
	return nil
}

func (h *DatabaseHeader) validate() error {
	switch {
	case string(h.Magic[:]) != MagicHeaderString:
		return fmt.Errorf("invalid magic header")
	case !isValidPageSize(h.GetPageSize()):
		return fmt.Errorf("invalid page size: %d", h.GetPageSize())
	case h.FileFormatWrite != 1 && h.FileFormatWrite != 2:
		return fmt.Errorf("invalid file format write version: %d", h.FileFormatWrite)
	case h.FileFormatRead != 1 && h.FileFormatRead != 2:
		return fmt.Errorf("invalid file format read version: %d", h.FileFormatRead)
	case h.MaxPayloadFrac != 64 || h.MinPayloadFrac != 32 || h.LeafPayloadFrac != 32:
		return fmt.Errorf("invalid payload fractions: %d/%d/%d", h.MaxPayloadFrac, h.MinPayloadFrac, h.LeafPayloadFrac)
	case h.SchemaFormat > 4:
		return fmt.Errorf("invalid schema format: %d", h.SchemaFormat)
	case h.TextEncoding > EncodingUTF16BE:
		return fmt.Errorf("invalid text encoding: %d", h.TextEncoding)
	}
	return nil
}

// newPage1 returns page 1 of an empty database: the header followed by an
// empty table b-tree leaf for the schema table.
func newPage1(pageSize, reserved int) []byte {
	h := NewDatabaseHeader(pageSize)
	h.ReservedSpace = uint8(reserved)
	h.FileChangeCounter = 1
	h.VersionValidFor = 1
	h.DatabaseSize = 1

	data := make([]byte, pageSize)
	h.put(data)
	data[DatabaseHeaderSize] = btreeLeafTable
	// A cell content offset of 65536 is stored as zero.
	binary.BigEndian.PutUint16(data[DatabaseHeaderSize+5:], uint16(pageSize-reserved))
	return data
}

// btreeLeafTable is the page type byte of a table b-tree leaf.
const btreeLeafTable = 0x0d
