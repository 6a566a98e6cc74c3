package codec

import (
	"bytes"
	"crypto/subtle"
	"sync/atomic"

	"github.com/awnumar/memguard"
)

// Key is caller-supplied key input. Bytes is either raw key material or,
// when Passphrase is set, passphrase text.
type Key struct {
	Bytes      []byte
	Passphrase bool
}

// RawKey wraps raw key bytes.
func RawKey(b []byte) Key { return Key{Bytes: b} }

// PassphraseKey wraps passphrase text.
func PassphraseKey(s string) Key { return Key{Bytes: []byte(s), Passphrase: true} }

// IsEmpty reports whether k selects the null key.
func (k Key) IsEmpty() bool { return len(k.Bytes) == 0 }

var keyIDs atomic.Uint64

// KeyMaterial is a key coerced to its backend's key size together with
// the expanded schedule. The zero value is not usable; nil means the
// null key.
type KeyMaterial struct {
	id    uint64
	bytes []byte // KeySize bytes
	n     int    // length reported by GetKey
	sched Schedule
}

// NewKeyMaterial coerces k for backend b. An empty key, or any key on
// the null backend, yields nil.
//
// Raw keys longer than the backend key size are truncated and shorter
// keys are repeated to fill it. Passphrases are hashed for the AES
// backends and used as raw bytes otherwise.
func NewKeyMaterial(b Backend, k Key) (*KeyMaterial, error) {
	size := b.KeySize()
	if size == 0 || k.IsEmpty() {
		return nil, nil
	}

	src := k.Bytes
	var buf []byte
	n := 0
	switch {
	case k.Passphrase && b.HashesPassphrase():
		buf = LegacyPassphraseHash(src, size)
		n = size
	default:
		if k.Passphrase {
			if i := bytes.IndexByte(src, 0); i >= 0 {
				src = src[:i]
			}
			if len(src) == 0 {
				return nil, nil
			}
		}
		n = min(len(src), size)
		buf = make([]byte, size)
		for i := range buf {
			buf[i] = src[i%n]
		}
	}

	sched, err := b.NewSchedule(buf)
	if err != nil {
		memguard.WipeBytes(buf)
		return nil, err
	}
	return &KeyMaterial{
		id:    keyIDs.Add(1),
		bytes: buf,
		n:     n,
		sched: sched,
	}, nil
}

// IsNull reports whether km is the null key.
func (km *KeyMaterial) IsNull() bool { return km == nil || km.bytes == nil }

// Bytes returns the first n coerced key bytes, matching the length the
// key was supplied with. The slice aliases the key and must not be
// retained.
func (km *KeyMaterial) Bytes() []byte {
	if km.IsNull() {
		return nil
	}
	return km.bytes[:km.n]
}

// Full returns the key as coerced to the full backend key size.
func (km *KeyMaterial) Full() []byte {
	if km.IsNull() {
		return nil
	}
	return km.bytes
}

// Equal compares two keys in constant time.
func (km *KeyMaterial) Equal(other *KeyMaterial) bool {
	if km.IsNull() || other.IsNull() {
		return km.IsNull() == other.IsNull()
	}
	return km.n == other.n && subtle.ConstantTimeCompare(km.bytes, other.bytes) == 1
}

// Wipe zeroes the key bytes and its schedule.
func (km *KeyMaterial) Wipe() {
	if km.IsNull() {
		return
	}
	memguard.WipeBytes(km.bytes)
	km.sched.Wipe()
	km.bytes = nil
	km.n = 0
}
