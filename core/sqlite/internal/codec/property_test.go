package codec

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"pgregory.net/rapid"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/internal/logging"
)

// genGeometry draws a backend, a page size and a reserved width the
// backend can operate with.
func genGeometry(t *rapid.T) (Kind, int, int) {
	kind := rapid.SampledFrom(allKinds).Draw(t, "kind")
	ps := 1 << rapid.IntRange(9, 16).Draw(t, "log2PageSize")
	var reserved int
	switch kind {
	case KindAES128CCM, KindAES256CCM:
		// Trailers of 32 plus whole blocks keep usable block aligned.
		reserved = 32
		if ps > 512 {
			reserved += 16 * rapid.IntRange(0, 1).Draw(t, "extraBlocks")
		}
	default:
		reserved = rapid.IntRange(0, 32).Draw(t, "reserved")
	}
	return kind, ps, reserved
}

func newRapidCodec(t *rapid.T, kind Kind, key []byte, ps, reserved int) *PageCodec {
	b, err := NewBackend(kind, true)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	c, err := New(b, RawKey(key), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.SizeChanged(ps, reserved); err != nil {
		t.Fatalf("SizeChanged(%d, %d) error = %v", ps, reserved, err)
	}
	return c
}

func drawPage(t *rapid.T, ps, reserved int) []byte {
	seed := rapid.Uint64().Draw(t, "seed")
	rng := rand.New(rand.NewPCG(seed, uint64(ps)))
	page := make([]byte, ps)
	for i := range page {
		page[i] = byte(rng.Uint32())
	}
	// Trailer content is owned by the codec.
	clear(page[ps-reserved:])
	return page
}

func TestPropertyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind, ps, reserved := genGeometry(t)
		key := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "key")
		pgno := rapid.Uint32Range(2, 1<<31).Draw(t, "pgno")

		c := newRapidCodec(t, kind, key, ps, reserved)
		page := drawPage(t, ps, reserved)

		enc, err := c.Transform(pgno, page, EncodeWithCurrent)
		if err != nil {
			t.Fatalf("encode error = %v", err)
		}
		dec, err := c.Transform(pgno, bytes.Clone(enc), DecodeWithCurrent)
		if err != nil {
			t.Fatalf("decode error = %v", err)
		}
		usable := c.Usable()
		if !bytes.Equal(dec[:usable], page[:usable]) {
			t.Fatalf("round trip mismatch for %s ps=%d reserved=%d", kind, ps, reserved)
		}
	})
}

func TestPropertyHeaderExemption(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind, ps, reserved := genGeometry(t)
		key := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "key")
		c := newRapidCodec(t, kind, key, ps, reserved)

		page := drawPage(t, ps, reserved)
		copy(page, plainPage(ps, reserved, 0)[:24])

		enc, err := c.Transform(1, page, EncodeWithCurrent)
		if err != nil {
			t.Fatalf("encode error = %v", err)
		}
		gotPS, gotRes, err := ReadHeaderGeometry(c.Backend(), enc)
		if err != nil {
			t.Fatalf("ReadHeaderGeometry() error = %v", err)
		}
		if gotPS != ps || gotRes != reserved {
			t.Fatalf("geometry = %d/%d, want %d/%d", gotPS, gotRes, ps, reserved)
		}
	})
}

func TestPropertyTamperDetected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom([]Kind{KindAES128CCM, KindAES256CCM}).Draw(t, "kind")
		ps := 1 << rapid.IntRange(9, 13).Draw(t, "log2PageSize")
		key := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "key")
		pgno := rapid.Uint32Range(2, 1<<20).Draw(t, "pgno")
		c := newRapidCodec(t, kind, key, ps, 32)

		page := drawPage(t, ps, 32)
		enc, err := c.Transform(pgno, page, EncodeWithCurrent)
		if err != nil {
			t.Fatalf("encode error = %v", err)
		}
		disk := bytes.Clone(enc)
		// Any bit in payload or MAC.
		off := rapid.IntRange(0, ps-16-1).Draw(t, "offset")
		bit := rapid.IntRange(0, 7).Draw(t, "bit")
		disk[off] ^= 1 << bit

		out, err := c.Transform(pgno, disk, DecodeWithCurrent)
		if !errors.Is(err, errors.ErrAuthentication) {
			t.Fatalf("decode error = %v, want authentication failure", err)
		}
		if !bytes.Equal(out, make([]byte, ps)) {
			t.Fatal("tampered page not zero filled")
		}
	})
}

func TestPropertyKeyIndependence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom([]Kind{KindRC4, KindAES128CCM, KindAES256CCM, KindAES128OFB, KindAES256OFB}).Draw(t, "kind")
		b, _ := NewBackend(kind, true)
		k1 := rapid.SliceOfN(rapid.Byte(), b.KeySize(), b.KeySize()).Draw(t, "k1")
		k2 := rapid.SliceOfN(rapid.Byte(), b.KeySize(), b.KeySize()).Draw(t, "k2")
		if bytes.Equal(k1, k2) {
			return
		}
		ps := 1024
		reserved := b.ReservedBytes()
		c := newRapidCodec(t, kind, k1, ps, reserved)

		page := drawPage(t, ps, reserved)
		enc, err := c.Transform(2, page, EncodeWithCurrent)
		if err != nil {
			t.Fatalf("encode error = %v", err)
		}
		enc = bytes.Clone(enc)
		if _, err := c.LoadKey(RawKey(k2)); err != nil {
			t.Fatal(err)
		}
		dec, err := c.Transform(2, enc, DecodeWithCurrent)
		usable := c.Usable()
		if err == nil && bytes.Equal(dec[:usable], page[:usable]) {
			t.Fatal("page decoded under an unrelated key")
		}
	})
}
