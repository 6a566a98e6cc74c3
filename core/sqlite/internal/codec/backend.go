package codec

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

// Kind identifies a cipher backend.
type Kind uint8

const (
	KindNull Kind = iota
	KindXOR
	KindRC4
	KindAES128CCM
	KindAES256CCM
	KindAES128OFB
	KindAES256OFB
)

var kindNames = [...]string{
	KindNull:      "null",
	KindXOR:       "xor",
	KindRC4:       "rc4",
	KindAES128CCM: "aes128-ccm",
	KindAES256CCM: "aes256-ccm",
	KindAES128OFB: "aes128-ofb",
	KindAES256OFB: "aes256-ofb",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Insecure reports whether the backend offers obfuscation only.
func (k Kind) Insecure() bool {
	return k == KindXOR || k == KindRC4
}

// ParseKind maps a backend name to its Kind. "none" and "" are accepted
// for the null backend.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "", "none", "plain":
		return KindNull, nil
	case "aes128", "aes-128-ccm":
		return KindAES128CCM, nil
	case "aes256", "aes-256-ccm":
		return KindAES256CCM, nil
	}
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return KindNull, errors.NewConfiguration("backend", s, "unknown cipher backend")
}

// Layout places the nonce and MAC of one backend inside a page.
type Layout struct {
	Usable   int // payload bytes at the start of the page
	MACOff   int
	MACLen   int // 0 for unauthenticated backends
	NonceOff int
	NonceLen int // stored nonce bytes, refreshed on every encode
	MaskLen  int // keystream bytes XORed from offset 0
}

// Backend is a keyed cipher primitive. Backends know nothing about the
// pager; they only lay out the trailer and produce keystream.
type Backend interface {
	Kind() Kind
	// KeySize is the length raw keys are coerced to.
	KeySize() int
	// ReservedBytes is the trailer width requested when the codec is
	// attached to a new database.
	ReservedBytes() int
	// MinReserved is the narrowest trailer a keyed page can use.
	MinReserved() int
	// HashesPassphrase reports whether passphrases run through
	// LegacyPassphraseHash rather than being used as raw key bytes.
	HashesPassphrase() bool
	// HeaderPad is XORed into page 1 bytes 16..23 on disk. nil means the
	// bytes are stored as plaintext.
	HeaderPad() []byte
	// Layout computes the page frame for a page geometry.
	Layout(pageSize, reserved int) (Layout, error)
	// IV assembles the keystream input for a page into dst.
	IV(dst []byte, pgno uint32, nonce []byte) []byte
	// NewSchedule expands a key of exactly KeySize bytes.
	NewSchedule(key []byte) (Schedule, error)
}

// Schedule is an expanded key bound to one backend.
type Schedule interface {
	// Keystream fills dst with mask bytes derived from iv.
	Keystream(dst, iv []byte)
	// Wipe clears the expanded key.
	Wipe()
}

// Authenticator is implemented by schedules of MAC-bearing backends.
type Authenticator interface {
	// MAC writes the tag of data under nonce into dst.
	MAC(dst, nonce, data []byte)
}

// NewBackend returns the backend for kind. The obfuscation-only
// backends are refused unless allowInsecure is set.
func NewBackend(kind Kind, allowInsecure bool) (Backend, error) {
	if kind.Insecure() && !allowInsecure {
		return nil, &errors.ConfigurationError{
			Setting: "backend",
			Value:   kind.String(),
			Reason:  "obfuscation only, set allow_insecure to use it",
			Err:     errors.NewUnsupported("backend", kind.String()+" is not secure"),
		}
	}
	switch kind {
	case KindNull:
		return nullBackend{}, nil
	case KindXOR:
		return xorBackend{}, nil
	case KindRC4:
		return rc4Backend{}, nil
	case KindAES128CCM:
		return ccmBackend{keySize: 16}, nil
	case KindAES256CCM:
		return ccmBackend{keySize: 32}, nil
	case KindAES128OFB:
		return ofbBackend{keySize: 16}, nil
	case KindAES256OFB:
		return ofbBackend{keySize: 32}, nil
	}
	return nil, errors.NewConfiguration("backend", kind.String(), "unknown cipher backend")
}

// putPgno writes the page number little-endian. It is the only place page
// numbers enter a nonce.
func putPgno(dst []byte, pgno uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, pgno)
}

// plainLayout is the frame of backends without MAC or stored nonce.
func plainLayout(pageSize, reserved int) Layout {
	usable := pageSize - reserved
	return Layout{Usable: usable, MACOff: usable, NonceOff: usable, MaskLen: usable}
}
