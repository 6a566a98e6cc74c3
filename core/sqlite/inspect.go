package sqlite

import (
	"io"
	"os"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite/internal/codec"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite/internal/pager"
)

var allKinds = []codec.Kind{
	codec.KindNull,
	codec.KindXOR,
	codec.KindRC4,
	codec.KindAES128CCM,
	codec.KindAES256CCM,
	codec.KindAES128OFB,
	codec.KindAES256OFB,
}

// Backends returns the names of every cipher backend.
func Backends() []string {
	names := make([]string, len(allKinds))
	for i, k := range allKinds {
		names[i] = k.String()
	}
	return names
}

// HeaderInfo is what page 1 of a file reveals without a key.
type HeaderInfo struct {
	// Plaintext is set when the file starts with the SQLite magic string.
	Plaintext bool
	PageSize  int
	Reserved  int
	// Candidates lists the backends that could have written the file.
	Candidates []string
}

// Inspect reads the page geometry of the file at path.
func Inspect(path string) (HeaderInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return HeaderInfo{}, errors.NewIO("open", path, err)
	}
	defer f.Close()

	raw := make([]byte, pager.DatabaseHeaderSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		return HeaderInfo{}, errors.Wrapf(errors.ErrNotADatabase, "%s: short header", path)
	}
	return InspectHeader(raw)
}

// InspectHeader is Inspect for the first 100 bytes of a file.
func InspectHeader(raw []byte) (HeaderInfo, error) {
	var info HeaderInfo
	info.Plaintext = len(raw) >= len(pager.MagicHeaderString) &&
		string(raw[:len(pager.MagicHeaderString)]) == pager.MagicHeaderString

	found := false
	for _, kind := range allKinds {
		if kind == codec.KindNull && !info.Plaintext {
			continue
		}
		b, err := codec.NewBackend(kind, true)
		if err != nil {
			return HeaderInfo{}, err
		}
		ps, res, err := codec.ReadHeaderGeometry(b, raw)
		if err != nil {
			continue
		}
		if !found {
			info.PageSize, info.Reserved = ps, res
			found = true
		} else if ps != info.PageSize || res != info.Reserved {
			// Another backend's header pad would give a different
			// geometry; it did not write this file.
			continue
		}
		if _, err := b.Layout(ps, res); err != nil {
			continue
		}
		info.Candidates = append(info.Candidates, kind.String())
	}
	if !found {
		return HeaderInfo{}, errors.Wrap(errors.ErrNotADatabase, "page size bytes are not readable")
	}
	return info, nil
}

// CoerceKey returns key as the named backend uses it: raw keys repeated or
// truncated to the backend key size, passphrases hashed where the backend
// does that. The null backend yields nil.
func CoerceKey(backend string, key Key) ([]byte, error) {
	kind, err := codec.ParseKind(backend)
	if err != nil {
		return nil, err
	}
	b, err := codec.NewBackend(kind, true)
	if err != nil {
		return nil, err
	}
	km, err := codec.NewKeyMaterial(b, key)
	if err != nil {
		return nil, err
	}
	defer km.Wipe()
	if km.IsNull() {
		return nil, nil
	}
	return append([]byte(nil), km.Full()...), nil
}
