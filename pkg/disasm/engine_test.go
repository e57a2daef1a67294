package disasm

import "testing"

func TestDecodeX86(t *testing.T) {
	e := NewEngine("x86_64")
	tests := []struct {
		name     string
		bytes    []byte
		addr     uint64
		mnemonic string
		check    func(t *testing.T, i *Instruction)
	}{
		{
			name:     "mov rax, imm32",
			bytes:    []byte{0x48, 0xC7, 0xC0, 0x0A, 0x00, 0x00, 0x00},
			addr:     0x1000,
			mnemonic: "mov",
			check: func(t *testing.T, i *Instruction) {
				if i.Operand(0).Reg != "rax" {
					t.Errorf("dst = %q", i.Operand(0).Reg)
				}
				if i.Operand(1).Imm != 10 {
					t.Errorf("imm = %d", i.Operand(1).Imm)
				}
				if i.Len() != 7 {
					t.Errorf("len = %d", i.Len())
				}
			},
		},
		{
			name:     "push rbp",
			bytes:    []byte{0x55},
			addr:     0x2000,
			mnemonic: "push",
			check: func(t *testing.T, i *Instruction) {
				if i.Operand(0).Reg != "rbp" {
					t.Errorf("operand = %q", i.Operand(0).Reg)
				}
			},
		},
		{
			name:     "je rel8 resolves target",
			bytes:    []byte{0x74, 0x0A},
			addr:     0x108,
			mnemonic: "je",
			check: func(t *testing.T, i *Instruction) {
				if i.Operand(0).Imm != 0x114 {
					t.Errorf("target = 0x%x, want 0x114", i.Operand(0).Imm)
				}
			},
		},
		{
			name:     "mov with base+disp memory",
			bytes:    []byte{0x48, 0x8B, 0x45, 0xF8}, // mov rax, [rbp-8]
			addr:     0x3000,
			mnemonic: "mov",
			check: func(t *testing.T, i *Instruction) {
				m := i.Operand(1)
				if m.Kind != OperandMemory || m.Base != "rbp" || m.Disp != -8 {
					t.Errorf("mem = %+v", m)
				}
			},
		},
		{
			name:     "ret",
			bytes:    []byte{0xC3},
			addr:     0x4000,
			mnemonic: "ret",
			check:    func(t *testing.T, i *Instruction) {},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inst, err := e.Decode(tc.bytes, tc.addr)
			if err != nil {
				t.Fatal(err)
			}
			if inst.Mnemonic != tc.mnemonic {
				t.Fatalf("mnemonic = %q, want %q", inst.Mnemonic, tc.mnemonic)
			}
			tc.check(t, inst)
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	e := NewEngine("x86_64")
	if _, err := e.Decode([]byte{0xFF}, 0); err == nil {
		t.Error("truncated instruction should fail to decode")
	}
}

func TestParseARM64TextOperand(t *testing.T) {
	tests := []struct {
		in   string
		want Operand
	}{
		{"[x29,#-16]", Operand{Kind: OperandMemory, Base: "x29", Disp: -16}},
		{"[sp,#32]", Operand{Kind: OperandMemory, Base: "sp", Disp: 32}},
		{"[x2]", Operand{Kind: OperandMemory, Base: "x2"}},
		{"[x2,x3,lsl #3]", Operand{Kind: OperandMemory, Base: "x2", Index: "x3", Scale: 8}},
		{"[x0],#16", Operand{Kind: OperandMemory, Base: "x0", Disp: 16}},
		{"#42", Operand{Kind: OperandImmediate, Imm: 42}},
		{"junk", Operand{Kind: OperandUnknown}},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := parseARM64TextOperand(tc.in); got != tc.want {
				t.Errorf("parse(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}
