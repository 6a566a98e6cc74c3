// Package validation checks file paths taken from the command line and
// configuration before any file is opened or created.
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 4096

// Common validation errors.
var (
	ErrEmptyPath        = errors.New("path cannot be empty")
	ErrPathTooLong      = errors.New("path too long")
	ErrInvalidCharacter = errors.New("invalid character in path")
	ErrSameFile         = errors.New("output would overwrite an input")
	ErrExists           = errors.New("file already exists")
)

func invalid(field, path string, err error, detail string) error {
	msg := err.Error()
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return &errors.ValidationError{Field: field, Value: path, Message: msg, Err: err}
}

// ValidatePath checks path for emptiness, length limits and control
// characters. field names the flag or setting the path came from.
func ValidatePath(field, path string) error {
	if path == "" {
		return invalid(field, path, ErrEmptyPath, "")
	}
	if len(path) > MaxPathLength {
		return invalid(field, path, ErrPathTooLong, "")
	}
	if strings.Contains(path, "\x00") {
		return invalid(field, path, ErrInvalidCharacter, "null byte not allowed")
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return invalid(field, path, ErrInvalidCharacter, "control character not allowed")
		}
	}
	return nil
}

// ValidateOutput checks that out is a valid path naming none of inputs.
// Journal files of the inputs count as the inputs themselves.
func ValidateOutput(field, out string, inputs ...string) error {
	if err := ValidatePath(field, out); err != nil {
		return err
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return invalid(field, out, ErrInvalidCharacter, err.Error())
	}
	for _, in := range inputs {
		absIn, err := filepath.Abs(in)
		if err != nil {
			continue
		}
		if absOut == absIn || absOut == absIn+"-journal" {
			return invalid(field, out, ErrSameFile, in)
		}
		if sameFile(absOut, absIn) {
			return invalid(field, out, ErrSameFile, in)
		}
	}
	return nil
}

// ValidateNew checks that path is valid and does not exist yet.
func ValidateNew(field, path string) error {
	if err := ValidatePath(field, path); err != nil {
		return err
	}
	if _, err := os.Lstat(path); err == nil {
		return invalid(field, path, ErrExists, "")
	}
	return nil
}

// sameFile reports whether both paths exist and are the same file.
func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
