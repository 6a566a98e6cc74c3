package codec

import "bytes"

// LegacyPassphraseHash compacts a text passphrase into an n-byte key by
// keying an RC4 state with it and emitting n bytes of output.
//
// It is NOT a password hash. It is neither slow nor salted and only exists
// so databases keyed by passphrase with older tools stay readable. Input
// stops at the first NUL byte.
func LegacyPassphraseHash(pass []byte, n int) []byte {
	if i := bytes.IndexByte(pass, 0); i >= 0 {
		pass = pass[:i]
	}

	var s [256]byte
	for m := range s {
		s[m] = byte(m)
	}

	if len(pass) > 0 {
		var j byte
		k := 0
		for m := range 256 {
			// The terminating NUL takes part in the cycle.
			var c byte
			if k < len(pass) {
				c = pass[k]
				k++
			} else {
				k = 0
			}
			j += s[m] + c
			s[j], s[m] = s[m], s[j]
		}
	}

	out := make([]byte, n)
	var i, j byte
	for k := range out {
		i++
		t := s[i]
		j += t
		s[i] = s[j]
		s[j] = t
		out[k] = t + s[i]
	}
	clear(s[:])
	return out
}
