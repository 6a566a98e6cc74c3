// Package sqlite opens SQLite database files through an encrypting page
// codec.
//
// A DB owns one pager and one codec. Pages are decoded as they are read
// and encoded as they are written at commit; the page cache only ever
// holds plaintext. Open learns the page geometry from page 1 bytes 16..23,
// which every backend leaves readable, so the key is checked by decoding
// page 1 before anything else is returned.
//
// Backends:
//   - aes128-ccm, aes256-ccm: AES-CTR with a CBC-MAC, 32 reserved bytes
//   - aes128-ofb, aes256-ofb: AES-OFB with a random nonce, no MAC
//   - rc4, xor: obfuscation only, refused unless AllowInsecure is set
//   - none: pages are stored as they are
//
// Files written with a null key and no reserved bytes are ordinary SQLite
// databases; see IntegrityCheck.
package sqlite

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite/internal/codec"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite/internal/pager"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite/internal/rekey"
	"github.com/FocuswithJustin/pagecrypt/internal/logging"
)

// Errors returned for transaction misuse and for files that need a
// writable handle to recover.
var (
	ErrTransactionOpen = pager.ErrTransactionOpen
	ErrNoTransaction   = pager.ErrNoTransaction
	ErrHotJournal      = pager.ErrHotJournal
)

// Key is the key handed to Open, Attach and Rekey.
type Key = codec.Key

// RawKey returns a key made of b as is.
func RawKey(b []byte) Key { return codec.RawKey(b) }

// PassphraseKey returns a key derived from a text passphrase.
func PassphraseKey(s string) Key { return codec.PassphraseKey(s) }

// Options configures Open.
type Options struct {
	// Backend names the cipher, see codec.ParseKind. Empty means none.
	Backend string
	Key     Key
	// AllowInsecure permits the rc4 and xor backends.
	AllowInsecure bool
	ReadOnly      bool
	// PageSize applies to new files only. Zero means 4096.
	PageSize  int
	CacheSize int
	Logger    *slog.Logger
	// Progress, if set, is called after each page a Rekey has visited.
	Progress func(done, total uint32)
}

// DB is an open database file.
type DB struct {
	path string
	opts Options

	backend codec.Backend
	codec   *codec.PageCodec
	pager   *pager.Pager
	rekey   atomic.Pointer[rekey.Transaction]

	// explicit is set between Begin and Commit/Rollback.
	explicit bool
	closed   bool
	logger   *slog.Logger

	mu sync.Mutex
}

// Open opens or creates the database at path and attaches the configured
// key. A wrong key fails here: with errors.ErrAuthentication on a MAC
// backend and errors.ErrNotADatabase otherwise.
func Open(path string, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	kind, err := codec.ParseKind(opts.Backend)
	if err != nil {
		return nil, err
	}
	b, err := codec.NewBackend(kind, opts.AllowInsecure)
	if err != nil {
		return nil, err
	}
	if kind.Insecure() {
		logging.SecurityEvent(opts.Logger, "weak_backend", "codec", "backend", kind.String(), "path", path)
	}

	db := &DB{path: path, opts: opts, backend: b, logger: opts.Logger}
	if err := db.attach(opts.Key); err != nil {
		return nil, err
	}
	return db, nil
}

// attach opens a pager on a fresh codec holding key and installs both,
// closing whatever was attached before. On failure the previous state is
// kept.
func (db *DB) attach(key Key) error {
	c, err := codec.New(db.backend, key, codec.WithLogger(db.logger))
	if err != nil {
		return err
	}
	p, err := pager.Open(db.path, pager.Options{
		PageSize:  db.opts.PageSize,
		CacheSize: db.opts.CacheSize,
		ReadOnly:  db.opts.ReadOnly,
		Codec:     c,
		Logger:    db.logger,
	})
	if err != nil {
		c.Detach()
		return err
	}

	if db.pager != nil {
		if err := db.pager.Close(); err != nil {
			db.logger.Warn("close pager on re-attach", "path", db.path, "error", err)
		}
		db.codec.Detach()
	}
	db.codec = c
	db.pager = p
	opts := []rekey.Option{rekey.WithLogger(db.logger)}
	if fn := db.opts.Progress; fn != nil {
		opts = append(opts, rekey.WithProgress(func(done, total pager.Pgno) {
			fn(uint32(done), uint32(total))
		}))
	}
	db.rekey.Store(rekey.New(c, p, opts...))
	logging.CodecAttached(db.logger, db.path, db.backend.Kind().String(), fingerprint(c.CurrentKey()), p.ReservedBytes())
	return nil
}

// Attach replaces the key the file is read with. The file is not
// rewritten; use Rekey for that. Attaching the key already in use does
// nothing.
func (db *DB) Attach(key Key) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.pager.InWriteTransaction() {
		return ErrTransactionOpen
	}

	km, err := codec.NewKeyMaterial(db.backend, key)
	if err != nil {
		return err
	}
	same := km.Equal(db.codec.Slots().Current())
	km.Wipe()
	if same {
		return nil
	}
	return db.attach(key)
}

// GetKey returns a copy of the current key and its length. A database
// without a key returns nil, 0.
func (db *DB) GetKey() ([]byte, int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, 0
	}
	k := db.codec.CurrentKey()
	if k == nil {
		return nil, 0
	}
	return append([]byte(nil), k...), len(k)
}

// KeyFingerprint identifies the current key without revealing it: the
// first 8 bytes of its BLAKE3 hash in hex, or "none".
func (db *DB) KeyFingerprint() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return "none"
	}
	return fingerprint(db.codec.CurrentKey())
}

// Fingerprint returns the fingerprint KeyFingerprint reports for key
// under the named backend, after the same coercion Open applies.
func Fingerprint(backend string, key Key) (string, error) {
	kind, err := codec.ParseKind(backend)
	if err != nil {
		return "", err
	}
	b, err := codec.NewBackend(kind, true)
	if err != nil {
		return "", err
	}
	km, err := codec.NewKeyMaterial(b, key)
	if err != nil {
		return "", err
	}
	defer km.Wipe()
	return fingerprint(km.Bytes()), nil
}

func fingerprint(key []byte) string {
	if len(key) == 0 {
		return "none"
	}
	sum := blake3.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// Rekey rewrites every page under key in one transaction. An empty key
// removes encryption. On failure the file and the key in use are as they
// were, and the error is an *errors.TransactionError.
//
// The backend chosen at Open stays; only the key changes. The reserved
// trailer widens only when encrypting a plaintext file whose pages are
// zero where the wider trailer goes. Moving a file to a backend with a
// wider trailer, such as rc4 to aes256-ccm, means Rekey to the empty key,
// reopening with the new backend and Rekey again; a file SQLite has
// filled refuses the second step.
func (db *DB) Rekey(ctx context.Context, key Key) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.explicit {
		return ErrTransactionOpen
	}
	return db.rekey.Load().Run(ctx, key)
}

// Interrupt makes a running Rekey roll back at its next page. It may be
// called from any goroutine.
func (db *DB) Interrupt() {
	// Not under db.mu: Rekey holds it for the whole walk.
	if tx := db.rekey.Load(); tx != nil {
		tx.Interrupt()
	}
}

// Begin starts a write transaction spanning several WritePage calls.
func (db *DB) Begin() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.pager.BeginWrite(); err != nil {
		return err
	}
	db.explicit = true
	return nil
}

// Commit commits the transaction opened by Begin.
func (db *DB) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if !db.explicit {
		return ErrNoTransaction
	}
	db.explicit = false
	return db.pager.Commit()
}

// Rollback abandons the transaction opened by Begin.
func (db *DB) Rollback() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if !db.explicit {
		return ErrNoTransaction
	}
	db.explicit = false
	return db.pager.Rollback()
}

// ReadPage returns a copy of the decoded content of page pgno.
func (db *DB) ReadPage(pgno uint32) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	page, err := db.pager.Get(pager.Pgno(pgno))
	if err != nil {
		return nil, err
	}
	defer db.pager.Put(page)
	return page.Read(0, page.Size())
}

// WritePage copies data into page pgno at offset. Outside Begin the
// change is committed at once.
func (db *DB) WritePage(pgno uint32, offset int, data []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}

	page, err := db.pager.Get(pager.Pgno(pgno))
	if err != nil {
		return err
	}
	err = db.pager.Write(page)
	if err == nil {
		err = page.Write(offset, data)
	}
	db.pager.Put(page)

	if db.explicit {
		return err
	}
	if err != nil {
		if db.pager.InWriteTransaction() {
			if rerr := db.pager.Rollback(); rerr != nil {
				return errors.Join(err, rerr)
			}
		}
		return err
	}
	return db.pager.Commit()
}

// Verify decodes every page and returns those that fail authentication.
// Other read errors stop the walk.
func (db *DB) Verify(ctx context.Context) ([]uint32, error) {
	var bad []uint32
	err := db.Walk(ctx, func(pgno uint32, data []byte, err error) error {
		if errors.Is(err, errors.ErrAuthentication) {
			bad = append(bad, pgno)
			return nil
		}
		return err
	})
	return bad, err
}

// Walk calls fn with the decoded content of every page in ascending
// order. data is only valid during the call. A read error is passed to fn
// with nil data; the walk stops when fn returns an error.
func (db *DB) Walk(ctx context.Context, fn func(pgno uint32, data []byte, err error) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}

	total := db.pager.PageCount()
	for pgno := pager.Pgno(1); pgno <= total; pgno++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := db.pager.Get(pgno)
		if err != nil {
			if ferr := fn(uint32(pgno), nil, err); ferr != nil {
				return ferr
			}
			continue
		}
		ferr := fn(uint32(pgno), page.Data, nil)
		db.pager.Put(page)
		if ferr != nil {
			return ferr
		}
	}
	return nil
}

// PageCount returns the number of pages in the file.
func (db *DB) PageCount() uint32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0
	}
	return uint32(db.pager.PageCount())
}

// PageSize returns the page size in bytes.
func (db *DB) PageSize() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0
	}
	return db.pager.PageSize()
}

// ReservedBytes returns the per-page trailer width.
func (db *DB) ReservedBytes() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0
	}
	return db.pager.ReservedBytes()
}

// Usable returns the page bytes available to the b-tree layer.
func (db *DB) Usable() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0
	}
	return db.pager.Usable()
}

// Backend returns the backend name.
func (db *DB) Backend() string {
	return db.backend.Kind().String()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close rolls back an open transaction, closes the file and wipes the
// key material.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	err := db.pager.Close()
	db.codec.Detach()
	return err
}

func (db *DB) checkOpen() error {
	if db.closed {
		return errors.New("database is closed")
	}
	return nil
}
