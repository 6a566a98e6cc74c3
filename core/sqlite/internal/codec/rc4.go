package codec

import "github.com/awnumar/memguard"

const (
	rc4KeySize  = 256
	rc4Reserved = 4
)

// rc4Backend derives a per-page RC4 keystream from the key mixed with the
// page number and the whole reserved trailer as nonce.
type rc4Backend struct{}

func (rc4Backend) Kind() Kind             { return KindRC4 }
func (rc4Backend) KeySize() int           { return rc4KeySize }
func (rc4Backend) ReservedBytes() int     { return rc4Reserved }
func (rc4Backend) MinReserved() int       { return 0 }
func (rc4Backend) HashesPassphrase() bool { return false }
func (rc4Backend) HeaderPad() []byte      { return nil }

func (rc4Backend) Layout(pageSize, reserved int) (Layout, error) {
	l := plainLayout(pageSize, reserved)
	l.NonceLen = reserved
	return l, nil
}

func (rc4Backend) IV(dst []byte, pgno uint32, nonce []byte) []byte {
	dst = putPgno(dst, pgno)
	return append(dst, nonce...)
}

func (rc4Backend) NewSchedule(key []byte) (Schedule, error) {
	s := &rc4Schedule{}
	copy(s.key[:], key)
	return s, nil
}

type rc4Schedule struct {
	key [rc4KeySize]byte
}

// Keystream runs the key schedule twice over key^iv before producing
// output, which drops the biased early state.
func (s *rc4Schedule) Keystream(dst, iv []byte) {
	var x, st [256]byte
	for n := range 256 {
		x[n] = s.key[n] ^ iv[n%len(iv)]
		st[n] = byte(n)
	}

	var i, j byte
	for range 512 {
		j += st[i] + x[i]
		st[i], st[j] = st[j], st[i]
		i++
	}

	for n := range dst {
		i++
		t := st[i]
		j += t
		st[i] = st[j]
		st[j] = t
		t += st[i]
		dst[n] = st[t]
	}
	memguard.WipeBytes(x[:])
	memguard.WipeBytes(st[:])
}

func (s *rc4Schedule) Wipe() {
	memguard.WipeBytes(s.key[:])
}
