package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

const (
	blockSize   = aes.BlockSize
	ccmMACSize  = blockSize
	ccmNonceLen = blockSize
	ccmReserved = ccmMACSize + ccmNonceLen
)

// ccmBackend encrypts with AES in counter mode and authenticates the
// plaintext with a CBC-MAC. The trailer holds MAC then nonce:
//
//	[ usable | MAC (16) | nonce (16) | unused ]
//
// The keystream covers the MAC as well as the payload.
type ccmBackend struct {
	keySize int
}

func (b ccmBackend) Kind() Kind {
	if b.keySize == 32 {
		return KindAES256CCM
	}
	return KindAES128CCM
}

func (b ccmBackend) KeySize() int         { return b.keySize }
func (ccmBackend) ReservedBytes() int     { return ccmReserved }
func (ccmBackend) MinReserved() int       { return ccmReserved }
func (ccmBackend) HashesPassphrase() bool { return true }
func (ccmBackend) HeaderPad() []byte      { return nil }

func (ccmBackend) Layout(pageSize, reserved int) (Layout, error) {
	usable := pageSize - reserved
	if reserved < ccmReserved {
		return Layout{}, errors.NewConfiguration("reserved_bytes", fmt.Sprint(reserved),
			fmt.Sprintf("ccm needs at least %d reserved bytes", ccmReserved))
	}
	if usable%blockSize != 0 {
		return Layout{}, errors.NewConfiguration("page_size", fmt.Sprint(pageSize),
			fmt.Sprintf("usable size %d is not a multiple of %d", usable, blockSize))
	}
	return Layout{
		Usable:   usable,
		MACOff:   usable,
		MACLen:   ccmMACSize,
		NonceOff: usable + ccmMACSize,
		NonceLen: ccmNonceLen,
		MaskLen:  usable + ccmMACSize,
	}, nil
}

// IV copies the stored nonce; the keystream increments its counter bytes.
func (ccmBackend) IV(dst []byte, _ uint32, nonce []byte) []byte {
	return append(dst, nonce...)
}

func (b ccmBackend) NewSchedule(key []byte) (Schedule, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, &errors.ConfigurationError{Setting: "key", Reason: "cannot expand aes key", Err: err}
	}
	return &ccmSchedule{block: blk}, nil
}

type ccmSchedule struct {
	block cipher.Block
}

// Keystream encrypts successive counter blocks. Bytes 4 and 5 of the
// counter form a little-endian block index.
func (s *ccmSchedule) Keystream(dst, iv []byte) {
	var ctr, ks [blockSize]byte
	copy(ctr[:], iv)
	for off := 0; off < len(dst); off += blockSize {
		s.block.Encrypt(ks[:], ctr[:])
		copy(dst[off:], ks[:])
		ctr[4]++
		if ctr[4] == 0 {
			ctr[5]++
		}
	}
	memguard.WipeBytes(ks[:])
}

// MAC chains E(nonce) through every block of data. len(data) is a
// multiple of the block size.
func (s *ccmSchedule) MAC(dst, nonce, data []byte) {
	var tag, x [blockSize]byte
	s.block.Encrypt(tag[:], nonce)
	for off := 0; off < len(data); off += blockSize {
		subtle.XORBytes(x[:], tag[:], data[off:off+blockSize])
		s.block.Encrypt(tag[:], x[:])
	}
	copy(dst, tag[:])
}

// Wipe drops the cipher. crypto/aes keeps the round keys unexported, so
// they are released to the collector.
func (s *ccmSchedule) Wipe() {
	s.block = nil
}
