package loader

import "sort"

// Perm is a segment permission bitmask.
type Perm uint8

const (
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermExec  Perm = 1 << 2
)

// Executable reports whether the mask allows execution.
func (p Perm) Executable() bool { return p&PermExec != 0 }

// ReadOnly reports whether the mask is read-only data (no write, no exec).
func (p Perm) ReadOnly() bool { return p&PermRead != 0 && p&PermWrite == 0 && p&PermExec == 0 }

// Segment is one mapped range of the binary image.
type Segment struct {
	Start uint64
	End   uint64
	Data  []byte
	Perm  Perm
	Name  string
}

// VirtualMemory is the loader's read-only view of the target image. It is
// constructed once and borrowed immutably by every downstream stage.
type VirtualMemory struct {
	Segments   []Segment
	EntryPoint uint64
	Arch       string
	Format     string
	Symbols    map[uint64]string
}

// NewVirtualMemory builds an empty image with the given tags.
func NewVirtualMemory(entry uint64, archName, format string) *VirtualMemory {
	return &VirtualMemory{
		EntryPoint: entry,
		Arch:       archName,
		Format:     format,
		Symbols:    make(map[uint64]string),
	}
}

// AddSegment installs a range, keeping the segment list address-sorted so
// lookups can binary-search.
func (vm *VirtualMemory) AddSegment(start uint64, data []byte, perm Perm, name string) {
	vm.Segments = append(vm.Segments, Segment{
		Start: start,
		End:   start + uint64(len(data)),
		Data:  data,
		Perm:  perm,
		Name:  name,
	})
	sort.Slice(vm.Segments, func(i, j int) bool {
		return vm.Segments[i].Start < vm.Segments[j].Start
	})
}

func (vm *VirtualMemory) segmentAt(addr uint64) *Segment {
	i := sort.Search(len(vm.Segments), func(i int) bool {
		return addr < vm.Segments[i].End
	})
	if i < len(vm.Segments) && addr >= vm.Segments[i].Start {
		return &vm.Segments[i]
	}
	return nil
}

// ReadByte reads one byte; the second result is false out of bounds.
func (vm *VirtualMemory) ReadByte(addr uint64) (byte, bool) {
	seg := vm.segmentAt(addr)
	if seg == nil {
		return 0, false
	}
	return seg.Data[addr-seg.Start], true
}

// ReadRange returns an owned copy of [addr, addr+n), or nil if any part
// falls outside a single segment.
func (vm *VirtualMemory) ReadRange(addr uint64, n int) []byte {
	seg := vm.segmentAt(addr)
	if seg == nil {
		return nil
	}
	off := int(addr - seg.Start)
	if off+n > len(seg.Data) {
		return nil
	}
	out := make([]byte, n)
	copy(out, seg.Data[off:off+n])
	return out
}

// ReadPointer reads a little-endian pointer of the given byte width.
func (vm *VirtualMemory) ReadPointer(addr uint64, width int) (uint64, bool) {
	raw := vm.ReadRange(addr, width)
	if raw == nil {
		return 0, false
	}
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v, true
}

// ExecutableRegions returns the executable segments in address order.
func (vm *VirtualMemory) ExecutableRegions() []Segment {
	var out []Segment
	for _, seg := range vm.Segments {
		if seg.Perm.Executable() {
			out = append(out, seg)
		}
	}
	return out
}

// ReadOnlyRegions returns read-only data segments (vtable scan input).
func (vm *VirtualMemory) ReadOnlyRegions() []Segment {
	var out []Segment
	for _, seg := range vm.Segments {
		if seg.Perm.ReadOnly() {
			out = append(out, seg)
		}
	}
	return out
}

// IsExecutable reports whether addr lies inside an executable segment.
func (vm *VirtualMemory) IsExecutable(addr uint64) bool {
	seg := vm.segmentAt(addr)
	return seg != nil && seg.Perm.Executable()
}
