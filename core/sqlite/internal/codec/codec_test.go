package codec

import (
	"bytes"
	"crypto/aes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/internal/logging"
)

var allKinds = []Kind{KindNull, KindXOR, KindRC4, KindAES128CCM, KindAES256CCM, KindAES128OFB, KindAES256OFB}

func newTestCodec(t testing.TB, kind Kind, key []byte, pageSize, reserved int) *PageCodec {
	t.Helper()
	b, err := NewBackend(kind, true)
	require.NoError(t, err)
	c, err := New(b, RawKey(key), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, c.SizeChanged(pageSize, reserved))
	return c
}

// plainPage builds a page whose first 100 bytes look like a database
// header, so page 1 geometry checks can run on it.
// assertDecoded checks the payload of a decoded page. The trailer belongs
// to the codec: bytes past the mask come back as stored on disk.
func assertDecoded(t *testing.T, c *PageCodec, want, disk, got []byte) {
	t.Helper()
	usable := c.Usable()
	assert.Equal(t, want[:usable], got[:usable], "payload")
	if disk != nil {
		l := c.layout
		assert.Equal(t, disk[l.MaskLen:], got[l.MaskLen:], "trailer past the mask")
	}
}

func plainPage(pageSize, reserved int, fill byte) []byte {
	p := bytes.Repeat([]byte{fill}, pageSize)
	copy(p, "SQLite format 3\x00")
	p[16] = byte(pageSize >> 8)
	p[17] = byte(pageSize)
	if pageSize == 65536 {
		p[16], p[17] = 0, 1
	}
	p[18], p[19] = 1, 1
	p[20] = byte(reserved)
	p[21], p[22], p[23] = 64, 32, 32
	for i := pageSize - reserved; i < pageSize; i++ {
		p[i] = 0
	}
	return p
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindNull, false},
		{"none", KindNull, false},
		{"xor", KindXOR, false},
		{"RC4", KindRC4, false},
		{"aes128-ccm", KindAES128CCM, false},
		{"aes256", KindAES256CCM, false},
		{"aes128-ofb", KindAES128OFB, false},
		{"aes256-ofb", KindAES256OFB, false},
		{"blowfish", KindNull, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Kind {
	k, err := ParseKind(s)
	require.NoError(t, err)
	return k
}

func TestNewBackendRefusesInsecure(t *testing.T) {
	for _, k := range []Kind{KindXOR, KindRC4} {
		_, err := NewBackend(k, false)
		assert.ErrorIs(t, err, errors.ErrConfiguration, k.String())
		assert.ErrorIs(t, err, errors.ErrUnsupported, k.String())

		b, err := NewBackend(k, true)
		require.NoError(t, err)
		assert.Equal(t, k, b.Kind())
	}
	b, err := NewBackend(KindAES256CCM, false)
	require.NoError(t, err)
	assert.Equal(t, 32, b.KeySize())
	assert.Equal(t, 32, b.ReservedBytes())
}

func TestRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	for _, kind := range allKinds {
		b, _ := NewBackend(kind, true)
		for _, ps := range []int{512, 1024, 4096, 65536} {
			kind, ps, reserved := kind, ps, b.ReservedBytes()
			t.Run(fmt.Sprintf("%s/%d", kind, ps), func(t *testing.T) {
				c := newTestCodec(t, kind, key, ps, reserved)
				for _, pgno := range []uint32{1, 2, 3, 1000} {
					plain := plainPage(ps, reserved, byte(pgno))
					orig := bytes.Clone(plain)

					enc, err := c.Transform(pgno, plain, EncodeWithCurrent)
					require.NoError(t, err)
					assert.Equal(t, orig, plain, "encode must not modify its input")
					if kind != KindNull {
						assert.NotEqual(t, orig[100:200], enc[100:200], "payload left in clear")
					}

					disk := bytes.Clone(enc)
					dec, err := c.Transform(pgno, bytes.Clone(disk), DecodeWithCurrent)
					require.NoError(t, err)
					assertDecoded(t, c, orig, disk, dec)
				}
			})
		}
	}
}

func TestNullKeyIsIdentity(t *testing.T) {
	for _, kind := range allKinds {
		c := newTestCodec(t, kind, nil, 4096, 32)
		page := plainPage(4096, 32, 0x5a)
		orig := bytes.Clone(page)
		for _, sel := range []Selector{EncodeWithCurrent, EncodeWithPrevious, DecodeWithCurrent, DecodeWithPrevious, PassThroughIfUnkeyed} {
			out, err := c.Transform(1, page, sel)
			require.NoError(t, err)
			assert.Equal(t, orig, out, "%s %s", kind, sel)
		}
		assert.Nil(t, c.CurrentKey())
	}
}

func TestHeaderBytesRecoverable(t *testing.T) {
	key := []byte("header-key")
	for _, kind := range allKinds {
		b, _ := NewBackend(kind, true)
		reserved := b.ReservedBytes()
		c := newTestCodec(t, kind, key, 4096, reserved)
		plain := plainPage(4096, reserved, 0xee)

		enc, err := c.Transform(1, plain, EncodeWithCurrent)
		require.NoError(t, err)

		ps, res, err := ReadHeaderGeometry(b, enc)
		require.NoError(t, err, kind.String())
		assert.Equal(t, 4096, ps, kind.String())
		assert.Equal(t, reserved, res, kind.String())

		if pad := b.HeaderPad(); pad == nil {
			assert.Equal(t, plain[16:24], enc[16:24], kind.String())
		} else {
			for i := range 8 {
				assert.Equal(t, plain[16+i]^pad[i], enc[16+i])
			}
		}
	}
}

func TestReadHeaderGeometryRejectsGarbage(t *testing.T) {
	b, _ := NewBackend(KindAES128CCM, false)
	_, _, err := ReadHeaderGeometry(b, make([]byte, 100))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, _, err = ReadHeaderGeometry(b, make([]byte, 10))
	assert.Error(t, err)
}

func TestTamperDetection(t *testing.T) {
	for _, kind := range []Kind{KindAES128CCM, KindAES256CCM} {
		c := newTestCodec(t, kind, []byte("tamper"), 1024, 32)
		plain := plainPage(1024, 32, 0x11)
		enc, err := c.Transform(3, plain, EncodeWithCurrent)
		require.NoError(t, err)

		for _, off := range []int{0, 100, 991, 992, 1007} {
			disk := bytes.Clone(enc)
			disk[off] ^= 0x01
			out, err := c.Transform(3, disk, DecodeWithCurrent)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrAuthentication)
			var ae *errors.AuthenticationError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, uint32(3), ae.Page)
			assert.Equal(t, make([]byte, 1024), out, "page must be zero filled")
		}
	}
}

func TestPageNumberBindsKeystream(t *testing.T) {
	c := newTestCodec(t, KindAES128OFB, []byte("k"), 1024, 12)
	enc, err := c.Transform(7, plainPage(1024, 12, 3), EncodeWithCurrent)
	require.NoError(t, err)
	dec, err := c.Transform(8, bytes.Clone(enc), DecodeWithCurrent)
	require.NoError(t, err)
	assert.NotEqual(t, plainPage(1024, 12, 3), dec, "page number must be bound into the keystream")
}

func TestInsufficientReserve(t *testing.T) {
	b, _ := NewBackend(KindAES128CCM, false)
	c, err := New(b, RawKey([]byte("key")))
	require.NoError(t, err)

	err = c.SizeChanged(4096, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfiguration)

	unkeyed, err := New(b, Key{})
	require.NoError(t, err)
	require.NoError(t, unkeyed.SizeChanged(4096, 0))
	err = unkeyed.SetKey(RawKey([]byte("key")))
	assert.ErrorIs(t, err, errors.ErrConfiguration)
	assert.Nil(t, unkeyed.CurrentKey())

	// usable not a multiple of the block size
	err = c.SizeChanged(4096, 40)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestSizeChangedValidation(t *testing.T) {
	c := newTestCodec(t, KindNull, nil, 4096, 0)
	for _, ps := range []int{0, 256, 1000, 131072} {
		assert.ErrorIs(t, c.SizeChanged(ps, 0), errors.ErrConfiguration, "page size %d", ps)
	}
	assert.ErrorIs(t, c.SizeChanged(512, 256), errors.ErrConfiguration)
	assert.ErrorIs(t, c.SizeChanged(512, 40), errors.ErrConfiguration)
	assert.NoError(t, c.SizeChanged(512, 32))
	assert.Equal(t, 480, c.Usable())
}

func TestTransformPreconditions(t *testing.T) {
	b, _ := NewBackend(KindAES128CCM, false)
	c, err := New(b, RawKey([]byte("key")))
	require.NoError(t, err)

	_, err = c.Transform(1, make([]byte, 4096), DecodeWithCurrent)
	assert.ErrorIs(t, err, errors.ErrConfiguration, "size not established")

	require.NoError(t, c.SizeChanged(4096, 32))
	_, err = c.Transform(1, make([]byte, 100), DecodeWithCurrent)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = c.Transform(0, make([]byte, 4096), DecodeWithCurrent)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = c.Transform(1, make([]byte, 4096), Selector(42))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestSizeChangeInvalidatesMask(t *testing.T) {
	c := newTestCodec(t, KindXOR, []byte("mask"), 4096, 0)
	page := plainPage(4096, 0, 1)

	enc, err := c.Transform(2, page, EncodeWithCurrent)
	require.NoError(t, err)
	_, err = c.Transform(2, bytes.Clone(enc), DecodeWithCurrent)
	require.NoError(t, err)
	hits, _ := c.MaskStats()
	assert.Equal(t, uint64(1), hits, "xor mask is reusable across pages")

	require.NoError(t, c.SizeChanged(1024, 0))
	small := plainPage(1024, 0, 1)
	enc, err = c.Transform(2, small, EncodeWithCurrent)
	require.NoError(t, err)
	assert.Len(t, enc, 1024)
	_, misses := c.MaskStats()
	assert.Equal(t, uint64(2), misses, "mask must be recomputed after a size change")

	dec, err := c.Transform(2, bytes.Clone(enc), DecodeWithCurrent)
	require.NoError(t, err)
	assert.Equal(t, small, dec)

	_, err = c.TransformOp(2, bytes.Clone(enc), Op{Selector: DecodeWithCurrent, Recompute: true})
	require.NoError(t, err)
	_, misses = c.MaskStats()
	assert.Equal(t, uint64(3), misses)
}

func TestXORKnownAnswer(t *testing.T) {
	c := newTestCodec(t, KindXOR, []byte("abc"), 512, 0)
	page := make([]byte, 512)
	enc, err := c.Transform(2, page, EncodeWithCurrent)
	require.NoError(t, err)
	for i := range enc {
		want := "abc"[(i%32)%3]
		require.Equal(t, want, enc[i], "byte %d", i)
	}
	assert.Equal(t, []byte("abc"), c.CurrentKey())
}

func TestCCMKnownStructure(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	c := newTestCodec(t, KindAES128CCM, key, 512, 32)
	plain := make([]byte, 512)
	for i := range 480 {
		plain[i] = byte(i)
	}

	enc, err := c.Transform(5, plain, EncodeWithCurrent)
	require.NoError(t, err)
	nonce := enc[496:512]

	blk, err := aes.NewCipher(key)
	require.NoError(t, err)

	// CBC-MAC over the plaintext
	var tag [16]byte
	blk.Encrypt(tag[:], nonce)
	for off := 0; off < 480; off += 16 {
		var x [16]byte
		for i := range 16 {
			x[i] = tag[i] ^ plain[off+i]
		}
		blk.Encrypt(tag[:], x[:])
	}

	// CTR keystream over payload and MAC
	want := make([]byte, 496)
	ctr := bytes.Clone(nonce)
	for off := 0; off < 496; off += 16 {
		var ks [16]byte
		blk.Encrypt(ks[:], ctr)
		for i := range 16 {
			src := byte(0)
			if off+i < 480 {
				src = plain[off+i]
			} else {
				src = tag[off+i-480]
			}
			want[off+i] = src ^ ks[i]
		}
		ctr[4]++
		if ctr[4] == 0 {
			ctr[5]++
		}
	}
	assert.Equal(t, want, enc[:496])
}

func TestNoncesNotReused(t *testing.T) {
	for _, kind := range []Kind{KindRC4, KindAES128CCM, KindAES256OFB} {
		b, _ := NewBackend(kind, true)
		c := newTestCodec(t, kind, []byte("nonce"), 1024, b.ReservedBytes())
		l := c.layout
		seen := map[string]bool{}
		page := plainPage(1024, b.ReservedBytes(), 9)
		for range 200 {
			enc, err := c.Transform(4, page, EncodeWithCurrent)
			require.NoError(t, err)
			n := string(enc[l.NonceOff : l.NonceOff+l.NonceLen])
			require.False(t, seen[n], "%s reused a nonce", kind)
			seen[n] = true
		}
	}
}

func TestSlotSelection(t *testing.T) {
	c := newTestCodec(t, KindAES256CCM, []byte("old"), 1024, 32)
	page := plainPage(1024, 32, 7)

	oldEnc, err := c.Transform(2, page, EncodeWithCurrent)
	require.NoError(t, err)
	oldEnc = bytes.Clone(oldEnc)

	_, err = c.LoadKey(RawKey([]byte("new")))
	require.NoError(t, err)

	// The previous slot still reads the file.
	dec, err := c.Transform(2, bytes.Clone(oldEnc), DecodeWithPrevious)
	require.NoError(t, err)
	assertDecoded(t, c, page, oldEnc, dec)

	// The current slot does not.
	_, err = c.Transform(2, bytes.Clone(oldEnc), DecodeWithCurrent)
	assert.ErrorIs(t, err, errors.ErrAuthentication)

	newEnc, err := c.Transform(2, page, EncodeWithCurrent)
	require.NoError(t, err)
	newEnc = bytes.Clone(newEnc)
	journal, err := c.Transform(2, page, EncodeWithPrevious)
	require.NoError(t, err)
	journal = bytes.Clone(journal)

	dec, err = c.Transform(2, bytes.Clone(newEnc), DecodeWithCurrent)
	require.NoError(t, err)
	assertDecoded(t, c, page, newEnc, dec)
	dec, err = c.Transform(2, bytes.Clone(journal), DecodeWithPrevious)
	require.NoError(t, err)
	assertDecoded(t, c, page, journal, dec)

	// PassThroughIfUnkeyed follows the last slot used.
	dec, err = c.Transform(2, bytes.Clone(journal), PassThroughIfUnkeyed)
	require.NoError(t, err)
	assertDecoded(t, c, page, journal, dec)
}

func TestPassThroughFollowsNullSlot(t *testing.T) {
	b, _ := NewBackend(KindAES128CCM, false)
	c, err := New(b, Key{})
	require.NoError(t, err)
	require.NoError(t, c.SizeChanged(1024, 32))
	_, err = c.LoadKey(RawKey([]byte("cand")))
	require.NoError(t, err)

	page := plainPage(1024, 32, 1)
	_, err = c.Transform(2, page, DecodeWithPrevious)
	require.NoError(t, err)
	out, err := c.Transform(2, page, PassThroughIfUnkeyed)
	require.NoError(t, err)
	assert.Equal(t, page, out)
}

func TestDetach(t *testing.T) {
	c := newTestCodec(t, KindAES128CCM, []byte("secret"), 1024, 32)
	km := c.Slots().Current()
	c.Detach()
	assert.True(t, km.IsNull(), "key must be wiped")
	_, err := c.Transform(1, make([]byte, 1024), DecodeWithCurrent)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
	assert.ErrorIs(t, c.SizeChanged(1024, 32), errors.ErrConfiguration)
	c.Detach()
}
