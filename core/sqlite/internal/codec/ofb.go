package codec

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/awnumar/memguard"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

const (
	ofbReserved = 12
	ofbNonceMax = blockSize - 4
)

// ofbBackend is the platform AES backend. The keystream is AES-CBC of a
// zero buffer under iv, which is AES-OFB. The iv is the page number
// followed by up to 12 random bytes from the trailer, zero padded.
type ofbBackend struct {
	keySize int
}

func (b ofbBackend) Kind() Kind {
	if b.keySize == 32 {
		return KindAES256OFB
	}
	return KindAES128OFB
}

func (b ofbBackend) KeySize() int         { return b.keySize }
func (ofbBackend) ReservedBytes() int     { return ofbReserved }
func (ofbBackend) MinReserved() int       { return 0 }
func (ofbBackend) HashesPassphrase() bool { return true }
func (ofbBackend) HeaderPad() []byte      { return nil }

func (ofbBackend) Layout(pageSize, reserved int) (Layout, error) {
	l := plainLayout(pageSize, reserved)
	l.NonceLen = min(reserved, ofbNonceMax)
	return l, nil
}

func (ofbBackend) IV(dst []byte, pgno uint32, nonce []byte) []byte {
	start := len(dst)
	dst = putPgno(dst, pgno)
	dst = append(dst, nonce...)
	for len(dst)-start < blockSize {
		dst = append(dst, 0)
	}
	return dst
}

func (b ofbBackend) NewSchedule(key []byte) (Schedule, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, &errors.ConfigurationError{Setting: "key", Reason: "cannot expand aes key", Err: err}
	}
	return &ofbSchedule{block: blk}, nil
}

type ofbSchedule struct {
	block cipher.Block
}

func (s *ofbSchedule) Keystream(dst, iv []byte) {
	var state [blockSize]byte
	copy(state[:], iv)
	for off := 0; off < len(dst); off += blockSize {
		s.block.Encrypt(state[:], state[:])
		copy(dst[off:], state[:])
	}
	memguard.WipeBytes(state[:])
}

func (s *ofbSchedule) Wipe() {
	s.block = nil
}
