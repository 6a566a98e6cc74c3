package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
	"github.com/FocuswithJustin/pagecrypt/core/sqlite"
	"github.com/FocuswithJustin/pagecrypt/internal/logging"
	"github.com/FocuswithJustin/pagecrypt/internal/validation"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testGlobals() (*Globals, *bytes.Buffer) {
	var out bytes.Buffer
	return &Globals{LogLevel: "error", out: &out}, &out
}

// createEncryptedDB writes a three page database under testKeyHex.
func createEncryptedDB(t *testing.T, dir, backend string) string {
	t.Helper()
	path := filepath.Join(dir, "test.db")
	key, _ := hex.DecodeString(testKeyHex)
	db, err := sqlite.Open(path, sqlite.Options{Backend: backend, Key: sqlite.RawKey(key), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	defer db.Close()
	for pgno := uint32(2); pgno <= 3; pgno++ {
		if err := db.WritePage(pgno, 0, []byte("secret page content")); err != nil {
			t.Fatalf("WritePage() error = %v", err)
		}
	}
	return path
}

func TestKeyhashCmd_Run(t *testing.T) {
	tests := []struct {
		name       string
		backend    string
		passphrase []string
		wantFrom   string
		wantPass   string
	}{
		{"default backend", "", []string{"hello"}, "aes128-ccm", "hello"},
		{"rc4 prefix", "", []string{"rc4:hello"}, "rc4", "hello"},
		{"aes256 prefix", "", []string{"aes256:hello", "world"}, "aes256-ccm", "hello world"},
		{"explicit backend wins", "aes256-ofb", []string{"aes128:hello"}, "aes256-ofb", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, out := testGlobals()
			cmd := &KeyhashCmd{Backend: tt.backend, Passphrase: tt.passphrase}
			if err := cmd.Run(g); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			want, err := sqlite.CoerceKey(tt.wantFrom, sqlite.PassphraseKey(tt.wantPass))
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.TrimSpace(out.String()); got != hex.EncodeToString(want) {
				t.Errorf("output = %s, want %x", got, want)
			}
		})
	}
}

func TestVersionCmd_Run(t *testing.T) {
	g, out := testGlobals()
	if err := (&VersionCmd{}).Run(g); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), version) || !strings.Contains(out.String(), "aes256-ccm") {
		t.Errorf("output = %q", out.String())
	}
}

func TestInspectCmd_Run(t *testing.T) {
	path := createEncryptedDB(t, t.TempDir(), "aes256-ccm")

	g, out := testGlobals()
	cmd := &InspectCmd{DBFlags{Path: path}}
	if err := cmd.Run(g); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, want := range []string{"page size:   4096", "reserved:    32", "aes256-ccm", "plaintext:   false"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "fingerprint") {
		t.Error("fingerprint printed without a key")
	}

	g, out = testGlobals()
	cmd = &InspectCmd{DBFlags{Path: path, Backend: "aes256-ccm", KeyInput: KeyInput{Key: testKeyHex}}}
	if err := cmd.Run(g); err != nil {
		t.Fatalf("Run() with key error = %v", err)
	}
	if !strings.Contains(out.String(), "pages:       3") || !strings.Contains(out.String(), "fingerprint: ") {
		t.Errorf("output = %s", out.String())
	}
}

func TestRekeyVerifyExport(t *testing.T) {
	dir := t.TempDir()
	path := createEncryptedDB(t, dir, "aes256-ccm")

	g, out := testGlobals()
	rekey := &RekeyCmd{
		DBFlags: DBFlags{Path: path, Backend: "aes256-ccm", KeyInput: KeyInput{Key: testKeyHex}},
		New:     KeyInput{Passphrase: "new passphrase"},
	}
	if err := rekey.Run(g); err != nil {
		t.Fatalf("rekey Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "3 pages") {
		t.Errorf("rekey output = %q", out.String())
	}

	// The old key is gone.
	g, _ = testGlobals()
	old := &VerifyCmd{DBFlags: DBFlags{Path: path, Backend: "aes256-ccm", KeyInput: KeyInput{Key: testKeyHex}}}
	if err := old.Run(g); !errors.Is(err, errors.ErrAuthentication) {
		t.Errorf("verify with old key error = %v, want ErrAuthentication", err)
	}

	flags := DBFlags{Path: path, Backend: "aes256-ccm", KeyInput: KeyInput{Passphrase: "new passphrase"}}
	g, out = testGlobals()
	if err := (&VerifyCmd{DBFlags: flags}).Run(g); err != nil {
		t.Fatalf("verify Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "3 pages ok") {
		t.Errorf("verify output = %q", out.String())
	}

	plainOut := filepath.Join(dir, "out", "plain.db")
	g, _ = testGlobals()
	if err := (&ExportCmd{DBFlags: flags, Out: plainOut, Plain: true}).Run(g); err != nil {
		t.Fatalf("export --plain Run() error = %v", err)
	}
	plain, err := os.ReadFile(plainOut)
	if err != nil {
		t.Fatal(err)
	}
	if len(plain) != 3*4096 || !bytes.HasPrefix(plain, []byte("SQLite format 3\x00")) {
		t.Fatalf("plain image: %d bytes, prefix %q", len(plain), plain[:16])
	}
	if !bytes.Contains(plain, []byte("secret page content")) {
		t.Error("plain image does not hold the page content")
	}

	xzOut := filepath.Join(dir, "image.xz")
	g, _ = testGlobals()
	if err := (&ExportCmd{DBFlags: flags, Out: xzOut}).Run(g); err != nil {
		t.Fatalf("export Run() error = %v", err)
	}
	f, err := os.Open(xzOut)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		t.Fatalf("xz.NewReader() error = %v", err)
	}
	unpacked, err := io.ReadAll(xr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unpacked, plain) {
		t.Error("xz image differs from the plain image")
	}

	g, _ = testGlobals()
	if err := (&ExportCmd{DBFlags: flags, Out: path}).Run(g); !errors.Is(err, validation.ErrSameFile) {
		t.Errorf("export over the source error = %v, want ErrSameFile", err)
	}
}

func TestImportCmd_Run(t *testing.T) {
	dir := t.TempDir()
	src := createEncryptedDB(t, dir, "aes256-ccm")
	flags := DBFlags{Path: src, Backend: "aes256-ccm", KeyInput: KeyInput{Key: testKeyHex}}

	image := filepath.Join(dir, "image.xz")
	g, _ := testGlobals()
	if err := (&ExportCmd{DBFlags: flags, Out: image}).Run(g); err != nil {
		t.Fatalf("export Run() error = %v", err)
	}

	tests := []struct {
		name    string
		backend string
		key     KeyInput
	}{
		{"same backend new passphrase", "aes256-ccm", KeyInput{Passphrase: "imported"}},
		{"ofb backend", "aes128-ofb", KeyInput{Key: testKeyHex}},
		{"plaintext", "none", KeyInput{}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := filepath.Join(dir, fmt.Sprintf("imported-%d.db", i))
			g, out := testGlobals()
			imp := &ImportCmd{Image: image, Path: dst, Backend: tt.backend, KeyInput: tt.key}
			if err := imp.Run(g); err != nil {
				t.Fatalf("import Run() error = %v", err)
			}
			if !strings.Contains(out.String(), "imported 3 pages") {
				t.Errorf("import output = %q", out.String())
			}

			raw, err := os.ReadFile(dst)
			if err != nil {
				t.Fatal(err)
			}
			if got := bytes.Contains(raw, []byte("secret page content")); got != (tt.backend == "none") {
				t.Errorf("page content visible = %v", got)
			}

			g, out = testGlobals()
			verify := &VerifyCmd{DBFlags: DBFlags{Path: dst, Backend: tt.backend, KeyInput: tt.key}}
			if err := verify.Run(g); err != nil {
				t.Fatalf("verify Run() error = %v", err)
			}
			if !strings.Contains(out.String(), "3 pages ok") {
				t.Errorf("verify output = %q", out.String())
			}
		})
	}

	g, _ = testGlobals()
	again := &ImportCmd{Image: image, Path: src, Backend: "aes256-ccm"}
	if err := again.Run(g); !errors.Is(err, validation.ErrExists) {
		t.Errorf("import over an existing file error = %v, want ErrExists", err)
	}
}

func TestImportCmd_RejectsEncryptedImage(t *testing.T) {
	dir := t.TempDir()
	src := createEncryptedDB(t, dir, "aes256-ofb")
	dst := filepath.Join(dir, "copy.db")

	g, _ := testGlobals()
	imp := &ImportCmd{Image: src, Path: dst, Backend: "aes256-ofb"}
	if err := imp.Run(g); !errors.Is(err, errors.ErrNotADatabase) {
		t.Errorf("import of an encrypted file error = %v, want ErrNotADatabase", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("failed import left the database file behind")
	}
}

func TestVerifyCmd_Integrity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")
	sdb, err := sqlite.OpenSQL(path, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{
		"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)",
		"INSERT INTO notes (body) VALUES ('first'), ('second'), ('third')",
	} {
		if _, err := sdb.Exec(s); err != nil {
			t.Fatalf("Exec(%q) error = %v", s, err)
		}
	}
	sdb.Close()

	g, _ := testGlobals()
	encrypt := &RekeyCmd{
		DBFlags: DBFlags{Path: path, Backend: "aes256-ofb"},
		New:     KeyInput{Key: testKeyHex},
	}
	if err := encrypt.Run(g); err != nil {
		t.Fatalf("rekey Run() error = %v", err)
	}

	g, out := testGlobals()
	verify := &VerifyCmd{
		DBFlags:   DBFlags{Path: path, Backend: "aes256-ofb", KeyInput: KeyInput{Key: testKeyHex}},
		Integrity: true,
	}
	if err := verify.Run(g); err != nil {
		t.Fatalf("verify --integrity Run() error = %v\n%s", err, out.String())
	}
	if strings.Contains(out.String(), "integrity:") {
		t.Errorf("integrity problems reported:\n%s", out.String())
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := createEncryptedDB(t, dir, "aes128-ofb")
	cfgPath := filepath.Join(dir, "pagecrypt.yaml")
	content := "database:\n  path: " + path + "\nencryption:\n  backend: aes128-ofb\n  key: " + testKeyHex + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	g := &Globals{Config: cfgPath, out: &out}
	if err := (&VerifyCmd{}).Run(g); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "3 pages ok") {
		t.Errorf("output = %q", out.String())
	}

	// A flag key replaces the configured one.
	out.Reset()
	wrong := &VerifyCmd{DBFlags: DBFlags{KeyInput: KeyInput{Passphrase: "wrong"}}}
	if err := wrong.Run(g); err == nil {
		t.Error("Run() with a wrong flag key should fail")
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	g, _ := testGlobals()

	if err := (&VerifyCmd{}).Run(g); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("verify without a path error = %v, want ErrConfiguration", err)
	}

	missing := &VerifyCmd{DBFlags: DBFlags{Path: filepath.Join(dir, "missing.db")}}
	if err := missing.Run(g); err == nil {
		t.Error("verify of a missing file should fail")
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.db")); !os.IsNotExist(err) {
		t.Error("verify created the database file")
	}

	both := &VerifyCmd{DBFlags: DBFlags{Path: createEncryptedDB(t, dir, "aes256-ccm"), KeyInput: KeyInput{Key: testKeyHex, Passphrase: "x"}}}
	if err := both.Run(g); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("two key sources error = %v, want ErrConfiguration", err)
	}
}

func TestCLIParse(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("pagecrypt"))
	if err != nil {
		t.Fatalf("kong.New() error = %v", err)
	}
	_, err = parser.Parse([]string{
		"--log-level", "debug",
		"rekey", "app.db",
		"--backend", "aes256-ccm",
		"--passphrase", "old",
		"--new-key", testKeyHex,
		"--progress",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cli.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cli.LogLevel)
	}
	r := cli.Rekey
	if !strings.HasSuffix(r.Path, "app.db") || r.Backend != "aes256-ccm" || r.Passphrase != "old" {
		t.Errorf("rekey flags = %+v", r.DBFlags)
	}
	if r.New.Key != testKeyHex || !r.Progress {
		t.Errorf("new key flags = %+v, progress %v", r.New, r.Progress)
	}
}
