package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Dalvik access flags relevant to method naming.
const (
	dexAccStatic      = 0x8
	dexAccNative      = 0x100
	dexAccConstructor = 0x10000
)

const dexHeaderSize = 112

type dexHeader struct {
	fileSize      uint32
	classDefsSize uint32
	classDefsOff  uint32
}

// loadDEX installs each method's bytecode as its own executable segment
// named method_<idx>[_flags] so discovery can treat Dalvik methods like
// native functions.
func loadDEX(raw []byte) (*VirtualMemory, error) {
	if len(raw) < dexHeaderSize {
		return nil, errors.Wrap(ErrInvalidFormat, "dex header truncated")
	}
	hdr := dexHeader{
		fileSize:      binary.LittleEndian.Uint32(raw[32:]),
		classDefsSize: binary.LittleEndian.Uint32(raw[96:]),
		classDefsOff:  binary.LittleEndian.Uint32(raw[100:]),
	}
	if int(hdr.fileSize) > len(raw) {
		return nil, errors.Wrap(ErrInvalidFormat, "header file size exceeds image")
	}

	vm := NewVirtualMemory(0, "dalvik", "dex")
	vm.AddSegment(0, raw, PermRead, "dex_full_image")

	log.WithField("classes", hdr.classDefsSize).Info("processing DEX class definitions")
	for i := uint32(0); i < hdr.classDefsSize; i++ {
		off := int(hdr.classDefsOff) + int(i)*32
		if off+32 > len(raw) {
			log.WithField("index", i).Warn("class definition out of bounds")
			break
		}
		classDataOff := binary.LittleEndian.Uint32(raw[off+24:])
		if classDataOff == 0 {
			continue
		}
		if err := dexClassData(vm, raw, int(classDataOff)); err != nil {
			log.WithFields(log.Fields{"offset": classDataOff, "err": err}).Debug("skipping class data item")
		}
	}
	return vm, nil
}

func dexClassData(vm *VirtualMemory, raw []byte, off int) error {
	cur := off
	read := func() (uint32, error) {
		v, n, err := readULEB128(raw, cur)
		if err != nil {
			return 0, err
		}
		cur += n
		return v, nil
	}

	staticFields, err := read()
	if err != nil {
		return err
	}
	instanceFields, err := read()
	if err != nil {
		return err
	}
	directMethods, err := read()
	if err != nil {
		return err
	}
	virtualMethods, err := read()
	if err != nil {
		return err
	}

	// Fields are (idx_diff, access_flags) pairs we only need to skip over.
	for i := uint32(0); i < staticFields+instanceFields; i++ {
		if _, err := read(); err != nil {
			return err
		}
		if _, err := read(); err != nil {
			return err
		}
	}

	methods := func(count uint32) error {
		var methodIdx uint32
		for i := uint32(0); i < count; i++ {
			idxDiff, err := read()
			if err != nil {
				return err
			}
			methodIdx += idxDiff
			accessFlags, err := read()
			if err != nil {
				return err
			}
			codeOff, err := read()
			if err != nil {
				return err
			}
			if codeOff > 0 {
				if err := dexMethodCode(vm, raw, int(codeOff), methodIdx, accessFlags); err != nil {
					return err
				}
			} else if accessFlags&dexAccNative != 0 {
				log.WithField("method", fmt.Sprintf("sub_dex_native_%x%s", methodIdx, dexFlagSuffix(accessFlags))).
					Debug("native method without dex code")
			}
		}
		return nil
	}
	if err := methods(directMethods); err != nil {
		return err
	}
	return methods(virtualMethods)
}

func dexMethodCode(vm *VirtualMemory, raw []byte, codeOff int, methodIdx, accessFlags uint32) error {
	if codeOff+16 > len(raw) {
		return errors.Wrap(ErrOutOfBounds, "code_item header")
	}
	insnsCount := binary.LittleEndian.Uint32(raw[codeOff+12:])
	if insnsCount == 0 {
		return nil
	}
	insnsLen := int(insnsCount) * 2 // 16-bit code units
	start := codeOff + 16
	end := start + insnsLen
	if end > len(raw) {
		return errors.Wrap(ErrOutOfBounds, "code_item instructions")
	}
	data := make([]byte, insnsLen)
	copy(data, raw[start:end])
	name := fmt.Sprintf("method_%x%s", methodIdx, dexFlagSuffix(accessFlags))
	vm.AddSegment(uint64(codeOff), data, PermRead|PermExec, name)
	vm.Symbols[uint64(codeOff)] = fmt.Sprintf("sub_dex_%x%s", methodIdx, dexFlagSuffix(accessFlags))
	return nil
}

func dexFlagSuffix(flags uint32) string {
	s := ""
	if flags&dexAccStatic != 0 {
		s += "_static"
	}
	if flags&dexAccConstructor != 0 {
		s += "_init"
	}
	if flags&dexAccNative != 0 {
		s += "_native"
	}
	return s
}

// readULEB128 decodes one unsigned LEB128 value, returning it with the
// number of bytes consumed.
func readULEB128(raw []byte, off int) (uint32, int, error) {
	var result uint32
	var shift uint
	for i := 0; i < 5; i++ {
		if off+i >= len(raw) {
			return 0, 0, errors.Wrap(ErrOutOfBounds, "uleb128 runs off image")
		}
		b := raw[off+i]
		result |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.Wrap(ErrParse, "uleb128 too long")
}
