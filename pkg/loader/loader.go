// Package loader parses executable images (ELF, PE, Mach-O, DEX) into a
// frozen VirtualMemory view: segments with permissions, a symbol map, the
// entry point, and an architecture tag.
package loader

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
)

// Sentinel errors; the C ABI maps these to status codes.
var (
	ErrNotFound      = errors.New("file not found")
	ErrInvalidFormat = errors.New("unrecognized format or magic mismatch")
	ErrParse         = errors.New("malformed structure")
	ErrIO            = errors.New("i/o failure")
	ErrOutOfBounds   = errors.New("offset outside file bounds")
)

// StatusCode converts a loader error into the C-ABI status code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return -2
	case errors.Is(err, ErrInvalidFormat):
		return -3
	case errors.Is(err, ErrParse):
		return -4
	case errors.Is(err, ErrIO):
		return -5
	case errors.Is(err, ErrOutOfBounds):
		return -6
	default:
		return -1
	}
}

var (
	magicELF   = []byte{0x7F, 'E', 'L', 'F'}
	magicPE    = []byte{'M', 'Z'}
	magicDEX   = []byte("dex\n")
	magicMach1 = []byte{0xFE, 0xED, 0xFA}
	magicMach2 = []byte{0xCF, 0xFA, 0xED, 0xFE}
	magicFat   = []byte{0xCA, 0xFE, 0xBA, 0xBE}
)

// Load reads the file, dispatches on its magic bytes, and returns the
// frozen VirtualMemory.
func Load(path string) (*VirtualMemory, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, path)
		}
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	f.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	if len(raw) < 4 {
		return nil, errors.Wrap(ErrInvalidFormat, "file too short")
	}

	switch {
	case bytes.HasPrefix(raw, magicELF):
		return loadELF(path, raw)
	case bytes.HasPrefix(raw, magicPE):
		return loadPE(path, raw)
	case bytes.HasPrefix(raw, magicMach1), bytes.HasPrefix(raw, magicMach2), bytes.HasPrefix(raw, magicFat):
		return loadMachO(path, raw)
	case bytes.HasPrefix(raw, magicDEX):
		return loadDEX(raw)
	default:
		return nil, errors.Wrap(ErrInvalidFormat, "unknown magic")
	}
}
