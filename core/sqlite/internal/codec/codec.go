package codec

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/internal/logging"
)

// Selector picks the direction and key slot of a transform.
type Selector int

const (
	// DecodeWithCurrent decodes with the current key.
	DecodeWithCurrent Selector = iota
	// DecodeWithPrevious decodes with the previous key. Used for every
	// page read from the database file.
	DecodeWithPrevious
	// EncodeWithCurrent encodes with the current key. Used for database
	// file writes.
	EncodeWithCurrent
	// EncodeWithPrevious encodes with the previous key. Used for journal
	// writes, so rollback restores pages the old key can read.
	EncodeWithPrevious
	// PassThroughIfUnkeyed decodes with whichever slot was used last and
	// returns the page unchanged if that slot is null.
	PassThroughIfUnkeyed
)

var selectorNames = [...]string{
	DecodeWithCurrent:    "decode-current",
	DecodeWithPrevious:   "decode-previous",
	EncodeWithCurrent:    "encode-current",
	EncodeWithPrevious:   "encode-previous",
	PassThroughIfUnkeyed: "pass-through",
}

func (s Selector) String() string {
	if s >= 0 && int(s) < len(selectorNames) {
		return selectorNames[s]
	}
	return fmt.Sprintf("selector(%d)", int(s))
}

// Encodes reports whether s is an encode selector.
func (s Selector) Encodes() bool {
	return s == EncodeWithCurrent || s == EncodeWithPrevious
}

// Op is a Selector plus the request to derive the mask afresh.
type Op struct {
	Selector  Selector
	Recompute bool
}

// Option configures a PageCodec.
type Option func(*PageCodec)

// WithLogger sets the logger for authentication failures and geometry
// changes.
func WithLogger(l *slog.Logger) Option {
	return func(c *PageCodec) {
		if l != nil {
			c.logger = l
		}
	}
}

// PageCodec encodes and decodes pages for one database file.
type PageCodec struct {
	backend Backend
	slots   KeySlots

	pageSize int
	reserved int
	layout   Layout
	// layoutErr is set when the geometry cannot carry keyed pages for
	// this backend. Null keys still pass through.
	layoutErr error

	mask MaskCache
	out  []byte // encode output, reused across calls
	zero []byte // source for zeroing pages that fail authentication
	iv   []byte
	mac  [blockSize]byte

	lastSlot Slot
	detached bool
	logger   *slog.Logger
}

// New attaches a codec with key in both slots. The page geometry must be
// set with SizeChanged before any transform.
func New(b Backend, key Key, opts ...Option) (*PageCodec, error) {
	km, err := NewKeyMaterial(b, key)
	if err != nil {
		return nil, err
	}
	c := &PageCodec{
		backend:  b,
		iv:       make([]byte, 0, maxIV),
		lastSlot: SlotPrevious,
		logger:   logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.slots.Reset(km)
	return c, nil
}

// Backend returns the cipher backend.
func (c *PageCodec) Backend() Backend { return c.backend }

// Slots exposes the key slot pair to the re-key transaction.
func (c *PageCodec) Slots() *KeySlots { return &c.slots }

// ReservedBytes is the trailer width to request for a new database.
func (c *PageCodec) ReservedBytes() int { return c.backend.ReservedBytes() }

// PageSize returns the page size set by SizeChanged.
func (c *PageCodec) PageSize() int { return c.pageSize }

// Reserved returns the trailer width set by SizeChanged.
func (c *PageCodec) Reserved() int { return c.reserved }

// Usable returns the payload bytes per page.
func (c *PageCodec) Usable() int { return c.layout.Usable }

// MaskStats returns mask cache hits and misses.
func (c *PageCodec) MaskStats() (hits, misses uint64) { return c.mask.Stats() }

// IsKeyed reports whether either slot holds a non-null key.
func (c *PageCodec) IsKeyed() bool {
	return !c.slots.Current().IsNull() || !c.slots.Previous().IsNull()
}

// SizeChanged records a new page geometry. It fails if the geometry is
// invalid, or if it cannot carry the backend trailer while a key is
// loaded. Attaching a key to a file without room for its trailer is an
// error, never a silent downgrade to plaintext.
func (c *PageCodec) SizeChanged(pageSize, reserved int) error {
	if c.detached {
		return errDetached
	}
	if pageSize < 512 || pageSize > 65536 || pageSize&(pageSize-1) != 0 {
		return errors.NewConfiguration("page_size", fmt.Sprint(pageSize), "must be a power of two between 512 and 65536")
	}
	if reserved < 0 || reserved > 255 || pageSize-reserved < 480 {
		return errors.NewConfiguration("reserved_bytes", fmt.Sprint(reserved), "out of range for page size")
	}

	layout, lerr := c.backend.Layout(pageSize, reserved)
	if lerr != nil && c.IsKeyed() {
		return lerr
	}
	if lerr != nil {
		layout = plainLayout(pageSize, reserved)
	}

	if pageSize != c.pageSize {
		memguard.WipeBytes(c.out)
		c.out = make([]byte, pageSize)
		c.zero = make([]byte, pageSize)
	}
	c.mask.resize(pageSize)
	c.pageSize = pageSize
	c.reserved = reserved
	c.layout = layout
	c.layoutErr = lerr
	logging.PageSizeChanged(c.logger, pageSize, reserved, layout.Usable)
	return nil
}

// CheckKey reports whether km could encode pages under the current
// geometry, returning the layout error if not.
func (c *PageCodec) CheckKey(km *KeyMaterial) error {
	if km.IsNull() {
		return nil
	}
	return c.layoutErr
}

// LoadKey coerces key and installs it into the current slot, returning
// the material for the caller to track.
func (c *PageCodec) LoadKey(key Key) (*KeyMaterial, error) {
	if c.detached {
		return nil, errDetached
	}
	km, err := NewKeyMaterial(c.backend, key)
	if err != nil {
		return nil, err
	}
	c.slots.Load(km)
	c.mask.Invalidate()
	return km, nil
}

// SetKey replaces both slots with key. The previous keys are wiped.
func (c *PageCodec) SetKey(key Key) error {
	if c.detached {
		return errDetached
	}
	km, err := NewKeyMaterial(c.backend, key)
	if err != nil {
		return err
	}
	if err := c.CheckKey(km); err != nil {
		km.Wipe()
		return err
	}
	c.slots.Reset(km)
	c.mask.Invalidate()
	return nil
}

// CurrentKey returns the current key as supplied, or nil for the null key.
// The slice aliases codec memory and is only valid until the next key
// change.
func (c *PageCodec) CurrentKey() []byte {
	return c.slots.Current().Bytes()
}

// Transform applies sel to page pgno. See TransformOp.
func (c *PageCodec) Transform(pgno uint32, buf []byte, sel Selector) ([]byte, error) {
	return c.TransformOp(pgno, buf, Op{Selector: sel})
}

// TransformOp encodes or decodes one page.
//
// Decoding happens in place and returns buf. Encoding never modifies buf;
// it returns the codec's output buffer, valid until the next encode.
//
// Only buf[:Usable()] is defined after a decode. The reserved trailer
// belongs to the codec: bytes under the mask (the CCM MAC) come back
// decrypted, the rest (nonces) as stored in the file. Encode overwrites
// the trailer, so callers may leave whatever decode produced there.
//
// When a MAC does not verify, buf is zero filled and returned together
// with an *errors.AuthenticationError.
func (c *PageCodec) TransformOp(pgno uint32, buf []byte, op Op) ([]byte, error) {
	if c.detached {
		return nil, errDetached
	}
	if c.pageSize == 0 {
		return nil, errors.NewConfiguration("page_size", "", "page size not established")
	}
	if len(buf) != c.pageSize {
		return nil, errors.NewValidation("buffer", fmt.Sprintf("length %d does not match page size %d", len(buf), c.pageSize))
	}
	if pgno == 0 {
		return nil, errors.NewValidation("pgno", "must be at least 1")
	}

	var slot Slot
	switch op.Selector {
	case DecodeWithCurrent, EncodeWithCurrent:
		slot = SlotCurrent
	case DecodeWithPrevious, EncodeWithPrevious:
		slot = SlotPrevious
	case PassThroughIfUnkeyed:
		slot = c.lastSlot
	default:
		return nil, errors.NewValidation("selector", op.Selector.String())
	}
	c.lastSlot = slot

	km := c.slots.Get(slot)
	if km.IsNull() {
		return buf, nil
	}
	if c.layoutErr != nil {
		return nil, c.layoutErr
	}
	if op.Selector.Encodes() {
		return c.encode(pgno, buf, km, op.Recompute)
	}
	return c.decode(pgno, buf, km, op.Recompute)
}

func (c *PageCodec) decode(pgno uint32, buf []byte, km *KeyMaterial, recompute bool) ([]byte, error) {
	l := c.layout
	nonce := buf[l.NonceOff : l.NonceOff+l.NonceLen]
	c.iv = c.backend.IV(c.iv[:0], pgno, nonce)
	mask := c.mask.mask(km, c.iv, l.MaskLen, recompute)

	subtle.XORBytes(buf[:l.MaskLen], buf[:l.MaskLen], mask)
	if pgno == 1 {
		c.fixHeader(buf, mask)
	}

	if l.MACLen == 0 {
		return buf, nil
	}
	auth := km.sched.(Authenticator)
	auth.MAC(c.mac[:], nonce, buf[:l.Usable])
	if subtle.ConstantTimeCompare(c.mac[:], buf[l.MACOff:l.MACOff+l.MACLen]) != 1 {
		copy(buf, c.zero)
		logging.AuthenticationFailure(c.logger, pgno, c.backend.Kind().String())
		return buf, errors.NewAuthentication(pgno)
	}
	return buf, nil
}

func (c *PageCodec) encode(pgno uint32, buf []byte, km *KeyMaterial, recompute bool) ([]byte, error) {
	l := c.layout
	out := c.out
	copy(out, buf)

	nonce := out[l.NonceOff : l.NonceOff+l.NonceLen]
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	if l.MACLen > 0 {
		auth := km.sched.(Authenticator)
		auth.MAC(out[l.MACOff:l.MACOff+l.MACLen], nonce, buf[:l.Usable])
	}

	c.iv = c.backend.IV(c.iv[:0], pgno, nonce)
	mask := c.mask.mask(km, c.iv, l.MaskLen, recompute)
	subtle.XORBytes(out[:l.MaskLen], out[:l.MaskLen], mask)
	if pgno == 1 {
		c.fixHeader(out, mask)
	}
	return out, nil
}

// fixHeader undoes the mask on page 1 bytes 16..23 and applies the
// backend header pad instead. The operation is its own inverse.
func (c *PageCodec) fixHeader(page, mask []byte) {
	pad := c.backend.HeaderPad()
	for i := headerClearStart; i < headerClearEnd; i++ {
		page[i] ^= mask[i]
		if pad != nil {
			page[i] ^= pad[i-headerClearStart]
		}
	}
}

// Detach wipes both keys and every buffer. The codec is unusable after.
func (c *PageCodec) Detach() {
	if c.detached {
		return
	}
	c.slots.Wipe()
	c.mask.wipe()
	memguard.WipeBytes(c.out)
	memguard.WipeBytes(c.iv[:cap(c.iv)])
	memguard.WipeBytes(c.mac[:])
	c.out, c.zero, c.iv = nil, nil, nil
	c.detached = true
}

const (
	headerClearStart = 16
	headerClearEnd   = 24
)

var errDetached = errors.NewConfiguration("codec", "", "codec has been detached")

// ReadHeaderGeometry recovers page size and reserved width from raw page 1
// bytes without a key. raw must hold at least the first 24 bytes of the
// file. Fixed header bytes 21..23 tell a plain header from a whitened one,
// since pages under a null key are stored unwhitened.
func ReadHeaderGeometry(b Backend, raw []byte) (pageSize, reserved int, err error) {
	if len(raw) < headerClearEnd {
		return 0, 0, errors.NewValidation("header", "too short")
	}
	var hdr [headerClearEnd - headerClearStart]byte
	copy(hdr[:], raw[headerClearStart:headerClearEnd])
	if !plausibleGeometry(hdr[:]) {
		if pad := b.HeaderPad(); pad != nil {
			subtle.XORBytes(hdr[:], hdr[:], pad)
		}
	}
	if !plausibleGeometry(hdr[:]) {
		return 0, 0, errors.NewValidation("header", "page size bytes are not readable")
	}
	pageSize = int(hdr[0])<<8 | int(hdr[1])
	if pageSize == 1 {
		pageSize = 65536
	}
	return pageSize, int(hdr[4]), nil
}

// plausibleGeometry checks bytes 16..23 of a database header: a valid page
// size and the fixed payload fractions 64, 32, 32.
func plausibleGeometry(hdr []byte) bool {
	ps := int(hdr[0])<<8 | int(hdr[1])
	if ps == 1 {
		ps = 65536
	}
	if ps < 512 || ps > 65536 || ps&(ps-1) != 0 {
		return false
	}
	return hdr[5] == 64 && hdr[6] == 32 && hdr[7] == 32
}
