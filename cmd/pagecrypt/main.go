// Command pagecrypt inspects, verifies and re-keys encrypted SQLite
// database files.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite"
	"github.com/FocuswithJustin/pagecrypt/internal/archive"
	"github.com/FocuswithJustin/pagecrypt/internal/config"
	"github.com/FocuswithJustin/pagecrypt/internal/logging"
	"github.com/FocuswithJustin/pagecrypt/internal/validation"
)

const version = "0.1.0"

// defaultConfigFile is read when --config is not given and the file exists.
const defaultConfigFile = "pagecrypt.yaml"

// Globals are flags shared by every command.
type Globals struct {
	Config    string `name:"config" short:"c" help:"YAML configuration file" type:"path"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)"`
	LogFormat string `name:"log-format" help:"Log format (json, text)"`

	out io.Writer
}

// CLI defines the command-line interface for pagecrypt.
type CLI struct {
	Globals

	Keyhash KeyhashCmd `cmd:"" help:"Print the key a passphrase turns into"`
	Inspect InspectCmd `cmd:"" help:"Show page geometry and likely backends of a file"`
	Rekey   RekeyCmd   `cmd:"" help:"Re-encrypt a database under a new key"`
	Verify  VerifyCmd  `cmd:"" help:"Decode every page and report authentication failures"`
	Export  ExportCmd  `cmd:"" help:"Write the decoded database image"`
	Import  ImportCmd  `cmd:"" help:"Create an encrypted database from an exported image"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// KeyInput is one way of supplying a key. At most one field may be set.
type KeyInput struct {
	Key        string `help:"Key as hex"`
	KeyFile    string `help:"File holding the key, as hex or raw bytes" type:"existingfile"`
	Passphrase string `help:"Passphrase"`
}

// DBFlags select the database, its backend and the key it is read with.
type DBFlags struct {
	Path          string `arg:"" optional:"" help:"Database file (default database.path from the config)" type:"path"`
	Backend       string `short:"b" help:"Cipher backend"`
	AllowInsecure bool   `help:"Permit the rc4 and xor backends"`
	PageSize      int    `help:"Page size for new files"`
	KeyInput      `embed:""`

	progress func(done, total uint32)
}

// load reads the configuration file. A missing default file is not an
// error.
func (g *Globals) load() (*config.Config, error) {
	path := g.Config
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			return config.DefaultConfig(), nil
		}
		path = defaultConfigFile
	}
	return config.Load(path)
}

// setup loads configuration, applies flag overrides and initialises
// logging.
func (g *Globals) setup() (*config.Config, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	if g.out == nil {
		g.out = os.Stdout
	}
	logging.InitLoggerTo(os.Stderr, logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	return cfg, nil
}

// resolve merges flags into the configured encryption settings. A key
// given on the command line replaces every configured key source.
func resolve(base config.Encryption, in KeyInput) (sqlite.Key, error) {
	enc := base
	if in.Key != "" || in.KeyFile != "" || in.Passphrase != "" {
		enc.Key, enc.KeyFile, enc.Passphrase = in.Key, in.KeyFile, in.Passphrase
	}
	cfg := config.Config{Encryption: enc}
	if err := cfg.Validate(); err != nil {
		return sqlite.Key{}, err
	}
	ks, err := enc.ResolveKey()
	if err != nil {
		return sqlite.Key{}, err
	}
	if ks.Passphrase {
		return sqlite.PassphraseKey(string(ks.Bytes)), nil
	}
	return sqlite.RawKey(ks.Bytes), nil
}

func (f *DBFlags) options(cfg *config.Config, readOnly bool) (sqlite.Options, error) {
	if f.Backend != "" {
		cfg.Encryption.Backend = f.Backend
	}
	if f.AllowInsecure {
		cfg.Encryption.AllowInsecure = true
	}
	key, err := resolve(cfg.Encryption, f.KeyInput)
	if err != nil {
		return sqlite.Options{}, err
	}
	ps := cfg.Database.PageSize
	if f.PageSize != 0 {
		ps = f.PageSize
	}
	return sqlite.Options{
		Backend:       cfg.Encryption.Backend,
		Key:           key,
		AllowInsecure: cfg.Encryption.AllowInsecure,
		ReadOnly:      readOnly || cfg.Database.ReadOnly,
		PageSize:      ps,
		CacheSize:     cfg.Database.CacheSize,
		Logger:        logging.GetLogger(),
		Progress:      f.progress,
	}, nil
}

func (f *DBFlags) open(g *Globals, readOnly bool) (*sqlite.DB, error) {
	cfg, err := g.setup()
	if err != nil {
		return nil, err
	}
	if f.Path == "" {
		f.Path = cfg.Database.Path
	}
	if f.Path == "" {
		return nil, errors.NewConfiguration("path", "", "no database file given")
	}
	if err := validation.ValidatePath("path", f.Path); err != nil {
		return nil, err
	}
	if readOnly {
		if _, err := os.Stat(f.Path); err != nil {
			return nil, errors.NewIO("stat", f.Path, err)
		}
	}
	opts, err := f.options(cfg, readOnly)
	if err != nil {
		return nil, err
	}
	return sqlite.Open(f.Path, opts)
}

// KeyhashCmd prints the key a passphrase becomes.
type KeyhashCmd struct {
	Backend    string   `short:"b" help:"Cipher backend (default aes128-ccm)"`
	Passphrase []string `arg:"" help:"Passphrase, optionally prefixed with rc4:, aes128: or aes256:"`
}

// keyhashPrefixes select a backend from the passphrase itself.
var keyhashPrefixes = []struct{ prefix, backend string }{
	{"rc4:", "rc4"},
	{"aes128:", "aes128-ccm"},
	{"aes256:", "aes256-ccm"},
}

func (c *KeyhashCmd) Run(g *Globals) error {
	if _, err := g.setup(); err != nil {
		return err
	}
	pass := strings.Join(c.Passphrase, " ")
	backend := c.Backend
	for _, p := range keyhashPrefixes {
		if rest, ok := strings.CutPrefix(pass, p.prefix); ok {
			pass = rest
			if backend == "" {
				backend = p.backend
			}
			break
		}
	}
	if backend == "" {
		backend = "aes128-ccm"
	}

	key, err := sqlite.CoerceKey(backend, sqlite.PassphraseKey(pass))
	if err != nil {
		return err
	}
	fmt.Fprintln(g.out, hex.EncodeToString(key))
	return nil
}

// InspectCmd shows what a file reveals without a key, and more with one.
type InspectCmd struct {
	DBFlags
}

func (c *InspectCmd) Run(g *Globals) error {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	if c.Path == "" {
		c.Path = cfg.Database.Path
	}
	if err := validation.ValidatePath("path", c.Path); err != nil {
		return err
	}
	info, err := sqlite.Inspect(c.Path)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "file:        %s\n", c.Path)
	fmt.Fprintf(g.out, "plaintext:   %v\n", info.Plaintext)
	fmt.Fprintf(g.out, "page size:   %d\n", info.PageSize)
	fmt.Fprintf(g.out, "reserved:    %d\n", info.Reserved)
	fmt.Fprintf(g.out, "backends:    %s\n", strings.Join(info.Candidates, ", "))

	if c.Key == "" && c.KeyFile == "" && c.Passphrase == "" {
		return nil
	}
	db, err := c.open(g, true)
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Fprintf(g.out, "backend:     %s\n", db.Backend())
	fmt.Fprintf(g.out, "pages:       %d\n", db.PageCount())
	fmt.Fprintf(g.out, "usable:      %d\n", db.Usable())
	fmt.Fprintf(g.out, "fingerprint: %s\n", db.KeyFingerprint())
	return nil
}

// RekeyCmd re-encrypts a database. Interrupting the process rolls the
// file back.
type RekeyCmd struct {
	DBFlags
	New      KeyInput `embed:"" prefix:"new-"`
	Progress bool     `help:"Print progress to stderr"`
}

func (c *RekeyCmd) Run(g *Globals) error {
	if c.Progress {
		c.progress = func(done, total uint32) {
			fmt.Fprintf(os.Stderr, "\rrekey: %d/%d pages", done, total)
		}
	}
	db, err := c.open(g, false)
	if err != nil {
		return err
	}
	defer db.Close()

	cfg, err := g.load()
	if err != nil {
		return err
	}
	// The new key never falls back to a configured one.
	newKey, err := resolve(config.Encryption{Backend: cfg.Encryption.Backend}, c.New)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sig:
			db.Interrupt()
		case <-done:
		}
	}()

	before := db.KeyFingerprint()
	err = db.Rekey(context.Background(), newKey)
	if c.Progress {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(g.out, "rekeyed %s: %d pages, key %s -> %s\n", c.Path, db.PageCount(), before, db.KeyFingerprint())
	return nil
}

// VerifyCmd decodes every page.
type VerifyCmd struct {
	DBFlags
	Integrity bool `help:"Also run SQLite's integrity check on the decoded image"`
}

func (c *VerifyCmd) Run(g *Globals) error {
	db, err := c.open(g, true)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	bad, err := db.Verify(ctx)
	if err != nil {
		return err
	}
	for _, pgno := range bad {
		fmt.Fprintf(g.out, "page %d: authentication failed\n", pgno)
	}
	if len(bad) > 0 {
		return fmt.Errorf("%d of %d pages failed authentication: %w", len(bad), db.PageCount(), errors.ErrAuthentication)
	}

	if c.Integrity {
		tmp, err := os.CreateTemp("", "pagecrypt-verify-*.db")
		if err != nil {
			return errors.NewIO("create", "", err)
		}
		defer os.Remove(tmp.Name())
		err = writeImage(ctx, db, tmp)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		problems, err := sqlite.IntegrityCheck(ctx, tmp.Name())
		if err != nil {
			return err
		}
		for _, p := range problems {
			fmt.Fprintf(g.out, "integrity: %s\n", p)
		}
		if len(problems) > 0 {
			return fmt.Errorf("integrity check reported %d problems", len(problems))
		}
	}

	fmt.Fprintf(g.out, "%s: %d pages ok\n", c.Path, db.PageCount())
	return nil
}

// ExportCmd writes every decoded page in order, xz compressed unless
// --plain is set. The plain image is an ordinary SQLite file.
type ExportCmd struct {
	DBFlags
	Out   string `required:"" short:"o" help:"Output file" type:"path"`
	Plain bool   `help:"Write the image uncompressed"`
}

func (c *ExportCmd) Run(g *Globals) (err error) {
	db, err := c.open(g, true)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := validation.ValidateOutput("out", c.Out, c.Path); err != nil {
		return err
	}
	w, err := archive.Create(c.Out, !c.Plain)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	if err := writeImage(context.Background(), db, w); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "exported %d pages to %s\n", db.PageCount(), c.Out)
	return nil
}

// ImportCmd writes an exported image, plain or xz, to a new database file
// and encrypts it under the given key. Without a key the file stays
// plaintext.
type ImportCmd struct {
	Image         string `arg:"" help:"Image written by export" type:"existingfile"`
	Path          string `arg:"" help:"Database file to create" type:"path"`
	Backend       string `short:"b" help:"Cipher backend"`
	AllowInsecure bool   `help:"Permit the rc4 and xor backends"`
	KeyInput      `embed:""`
}

func (c *ImportCmd) Run(g *Globals) (err error) {
	cfg, err := g.setup()
	if err != nil {
		return err
	}
	if err := validation.ValidateNew("path", c.Path); err != nil {
		return err
	}
	if err := validation.ValidateOutput("path", c.Path, c.Image); err != nil {
		return err
	}
	if c.Backend != "" {
		cfg.Encryption.Backend = c.Backend
	}
	if c.AllowInsecure {
		cfg.Encryption.AllowInsecure = true
	}
	key, err := resolve(config.Encryption{Backend: cfg.Encryption.Backend}, c.KeyInput)
	if err != nil {
		return err
	}

	if err := copyImage(c.Image, c.Path); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(c.Path)
			os.Remove(c.Path + "-journal")
		}
	}()

	db, err := sqlite.Open(c.Path, sqlite.Options{
		Backend:       cfg.Encryption.Backend,
		AllowInsecure: cfg.Encryption.AllowInsecure,
		CacheSize:     cfg.Database.CacheSize,
		Logger:        logging.GetLogger(),
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Rekey(context.Background(), key); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "imported %d pages to %s, key %s\n", db.PageCount(), c.Path, db.KeyFingerprint())
	return nil
}

// copyImage decompresses the image at src into a new file at dst. The
// image must start with a plaintext SQLite header.
func copyImage(src, dst string) (err error) {
	r, err := archive.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.NewIO("create", dst, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.NewIO("close", dst, cerr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	head := make([]byte, 100)
	if _, err := io.ReadFull(r, head); err != nil {
		return errors.Wrapf(errors.ErrNotADatabase, "%s: short image", src)
	}
	info, err := sqlite.InspectHeader(head)
	if err != nil {
		return err
	}
	if !info.Plaintext {
		return errors.Wrapf(errors.ErrNotADatabase, "%s: image is not plaintext", src)
	}
	if _, err := f.Write(head); err != nil {
		return errors.NewIO("write", dst, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		return errors.NewIO("write", dst, err)
	}
	if (n+int64(len(head)))%int64(info.PageSize) != 0 {
		return errors.Wrapf(errors.ErrNotADatabase, "%s: image is not a whole number of %d byte pages", src, info.PageSize)
	}
	return f.Sync()
}

// writeImage writes the decoded pages of db to w. Any unreadable page
// fails the export.
func writeImage(ctx context.Context, db *sqlite.DB, w io.Writer) error {
	return db.Walk(ctx, func(pgno uint32, data []byte, err error) error {
		if err != nil {
			return fmt.Errorf("page %d: %w", pgno, err)
		}
		_, err = w.Write(data)
		return err
	})
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	if g.out == nil {
		g.out = os.Stdout
	}
	fmt.Fprintf(g.out, "pagecrypt version %s\n", version)
	fmt.Fprintf(g.out, "backends: %s\n", strings.Join(sqlite.Backends(), ", "))
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pagecrypt"),
		kong.Description("Page-level encryption for SQLite database files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Bind(&cli.Globals),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
