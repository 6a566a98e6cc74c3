package codec

import (
	"bytes"

	"github.com/awnumar/memguard"
)

// maxIV bounds the keystream input: page number plus a full RC4 trailer.
const maxIV = 4 + 255

// MaskCache holds the last keystream the codec derived, tagged with the
// key and iv that produced it. Decoding a page with the same key and iv
// reuses it.
type MaskCache struct {
	buf   []byte
	valid bool
	keyID uint64
	iv    []byte
	n     int

	hits, misses uint64
}

// resize allocates a page-sized buffer and drops the cached mask.
func (m *MaskCache) resize(pageSize int) {
	if len(m.buf) != pageSize {
		memguard.WipeBytes(m.buf)
		m.buf = make([]byte, pageSize)
	}
	if m.iv == nil {
		m.iv = make([]byte, 0, maxIV)
	}
	m.Invalidate()
}

// Invalidate forgets the cached mask.
func (m *MaskCache) Invalidate() {
	m.valid = false
	m.keyID = 0
	m.iv = m.iv[:0]
	m.n = 0
}

// mask returns n bytes of keystream for km and iv, computing it unless the
// cached mask matches and recompute is false.
func (m *MaskCache) mask(km *KeyMaterial, iv []byte, n int, recompute bool) []byte {
	if !recompute && m.valid && m.keyID == km.id && m.n == n && bytes.Equal(m.iv, iv) {
		m.hits++
		return m.buf[:n]
	}
	m.misses++
	km.sched.Keystream(m.buf[:n], iv)
	m.valid = true
	m.keyID = km.id
	m.iv = append(m.iv[:0], iv...)
	m.n = n
	return m.buf[:n]
}

// Stats returns cache hits and misses since the codec was created.
func (m *MaskCache) Stats() (hits, misses uint64) {
	return m.hits, m.misses
}

func (m *MaskCache) wipe() {
	memguard.WipeBytes(m.buf)
	m.buf = nil
	m.Invalidate()
}
