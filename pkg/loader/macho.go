package loader

import (
	"bytes"
	"debug/macho"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func loadMachO(path string, raw []byte) (*VirtualMemory, error) {
	f, err := machoFile(raw)
	if err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}
	defer f.Close()

	archName := "x86"
	switch f.Cpu {
	case macho.CpuAmd64:
		archName = "x86_64"
	case macho.CpuArm64:
		archName = "arm64"
	}

	var entry uint64
	// LC_MAIN stores an offset from __TEXT; LC_UNIXTHREAD stores an
	// absolute pc. debug/macho only decodes the raw load commands, so walk
	// them for LC_MAIN (0x80000028).
	for _, l := range f.Loads {
		data := l.Raw()
		if len(data) >= 24 && f.ByteOrder.Uint32(data) == 0x80000028 {
			entry = f.ByteOrder.Uint64(data[8:])
		}
	}

	var textBase uint64
	if seg := f.Segment("__TEXT"); seg != nil {
		textBase = seg.Addr
	}
	vm := NewVirtualMemory(textBase+entry, archName, "macho")

	var foundText bool
	for _, sec := range f.Sections {
		data, err := sec.Data()
		if err != nil || len(data) == 0 {
			continue
		}
		perm := PermRead
		if sec.Seg == "__TEXT" {
			perm |= PermExec
		}
		if sec.Seg == "__DATA" {
			perm |= PermWrite
		}
		if sec.Seg == "__TEXT" && sec.Name == "__text" {
			foundText = true
		}
		vm.AddSegment(sec.Addr, data, perm, sec.Seg+"/"+sec.Name)
	}
	if !foundText {
		return nil, errors.Wrap(ErrParse, "__TEXT/__text not found")
	}

	if f.Symtab != nil {
		for _, s := range f.Symtab.Syms {
			if s.Name != "" && s.Value != 0 {
				vm.Symbols[s.Value] = s.Name
			}
		}
	}

	log.WithFields(log.Fields{"path": path, "arch": archName}).Info("Mach-O image loaded")
	return vm, nil
}

// machoFile opens a thin image directly and picks the x86-64 slice out of a
// fat binary, falling back to the first slice when none matches.
func machoFile(raw []byte) (*macho.File, error) {
	if fat, err := macho.NewFatFile(bytes.NewReader(raw)); err == nil {
		var pick *macho.FatArch
		for i := range fat.Arches {
			if fat.Arches[i].Cpu == macho.CpuAmd64 {
				pick = &fat.Arches[i]
				break
			}
		}
		if pick == nil && len(fat.Arches) > 0 {
			pick = &fat.Arches[0]
		}
		if pick == nil {
			return nil, errors.New("fat binary with no architecture slices")
		}
		return pick.File, nil
	}
	return macho.NewFile(bytes.NewReader(raw))
}
