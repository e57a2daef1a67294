package loader

import (
	"bytes"
	"debug/pe"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func loadPE(path string, raw []byte) (*VirtualMemory, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}
	defer f.Close()

	var imageBase uint64
	var entryRVA uint64
	archName := "x86"
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		imageBase = oh.ImageBase
		entryRVA = uint64(oh.AddressOfEntryPoint)
		archName = "x86_64"
	case *pe.OptionalHeader32:
		imageBase = uint64(oh.ImageBase)
		entryRVA = uint64(oh.AddressOfEntryPoint)
	default:
		return nil, errors.Wrap(ErrParse, "missing optional header")
	}
	if f.Machine == pe.IMAGE_FILE_MACHINE_ARM64 {
		archName = "arm64"
	}

	vm := NewVirtualMemory(imageBase+entryRVA, archName, "pe")

	var foundText bool
	for _, sec := range f.Sections {
		if sec.Size == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		perm := Perm(0)
		if sec.Characteristics&0x40000000 != 0 { // IMAGE_SCN_MEM_READ
			perm |= PermRead
		}
		if sec.Characteristics&0x80000000 != 0 { // IMAGE_SCN_MEM_WRITE
			perm |= PermWrite
		}
		if sec.Characteristics&0x20000000 != 0 { // IMAGE_SCN_MEM_EXECUTE
			perm |= PermExec
		}
		if sec.Name == ".text" || sec.Name == "CODE" {
			foundText = true
			perm |= PermRead | PermExec
		}
		vm.AddSegment(imageBase+uint64(sec.VirtualAddress), data, perm, sec.Name)
	}
	if !foundText {
		return nil, errors.Wrap(ErrParse, ".text/CODE section not found in PE")
	}

	// Exported symbols keep their bare names; imports are recorded as
	// <dll>:<name> so call sites stay attributable to the source module.
	for _, s := range f.Symbols {
		if s.Name == "" || s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.Sections) {
			continue
		}
		sec := f.Sections[s.SectionNumber-1]
		vm.Symbols[imageBase+uint64(sec.VirtualAddress)+uint64(s.Value)] = s.Name
	}
	if syms, err := f.ImportedSymbols(); err == nil {
		for i, name := range syms {
			// debug/pe reports "func:dll.dll"; normalize to dll:func.
			dll, fn := splitImport(name)
			vm.Symbols[importStubAddr(imageBase, i)] = fmt.Sprintf("%s:%s", dll, fn)
		}
	}

	log.WithFields(log.Fields{
		"path":  path,
		"arch":  archName,
		"entry": fmt.Sprintf("0x%x", vm.EntryPoint),
	}).Info("PE image loaded")
	return vm, nil
}

func splitImport(s string) (dll, fn string) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[i+1:], s[:i]
		}
	}
	return "unknown", s
}

// importStubAddr synthesizes stable pseudo-addresses for import thunks.
// debug/pe does not expose IAT slot addresses, so these live just below
// the image base where no section is mapped.
func importStubAddr(imageBase uint64, idx int) uint64 {
	return imageBase - 0x1000 + uint64(idx)*8
}
