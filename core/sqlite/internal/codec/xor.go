package codec

import "github.com/awnumar/memguard"

const xorKeySize = 32

// xorHeaderPad whitens page 1 bytes 16..23 so the XOR backend does not
// leave the header geometry as plain text.
var xorHeaderPad = []byte{252, 122, 102, 34, 206, 31, 170, 171}

// xorBackend XORs every page with the key repeated. It hides data from
// casual inspection only.
type xorBackend struct{}

func (xorBackend) Kind() Kind             { return KindXOR }
func (xorBackend) KeySize() int           { return xorKeySize }
func (xorBackend) ReservedBytes() int     { return 0 }
func (xorBackend) MinReserved() int       { return 0 }
func (xorBackend) HashesPassphrase() bool { return false }
func (xorBackend) HeaderPad() []byte      { return xorHeaderPad }

func (xorBackend) Layout(pageSize, reserved int) (Layout, error) {
	return plainLayout(pageSize, reserved), nil
}

func (xorBackend) IV(dst []byte, _ uint32, _ []byte) []byte { return dst }

func (xorBackend) NewSchedule(key []byte) (Schedule, error) {
	s := &xorSchedule{}
	copy(s.key[:], key)
	return s, nil
}

type xorSchedule struct {
	key [xorKeySize]byte
}

func (s *xorSchedule) Keystream(dst, _ []byte) {
	for i := range dst {
		dst[i] = s.key[i%xorKeySize]
	}
}

func (s *xorSchedule) Wipe() {
	memguard.WipeBytes(s.key[:])
}
