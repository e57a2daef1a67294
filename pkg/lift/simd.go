package lift

import (
	"strings"

	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/ir"
)

func isSIMDMnemonic(mnem string) bool {
	switch mnem {
	case "push", "pop", "popcnt", "pacibsp":
		// p-prefixed scalar instructions that are not packed ops.
		return false
	}
	return strings.HasPrefix(mnem, "v") && mnem != "vmov" ||
		strings.HasPrefix(mnem, "p") ||
		strings.HasSuffix(mnem, "ps") || strings.HasSuffix(mnem, "pd") ||
		strings.HasSuffix(mnem, "ss") || strings.HasSuffix(mnem, "sd") ||
		strings.HasSuffix(mnem, "dq") || strings.HasSuffix(mnem, "bw") ||
		mnem == "movd" || mnem == "movq" ||
		mnem == "movaps" || mnem == "movups"
}

var simdSuffixes = map[string]string{
	"addps":  "_add_ps",
	"addpd":  "_add_pd",
	"subps":  "_sub_ps",
	"subpd":  "_sub_pd",
	"mulps":  "_mul_ps",
	"divps":  "_div_ps",
	"paddb":  "_add_epi8",
	"paddw":  "_add_epi16",
	"paddd":  "_add_epi32",
	"paddq":  "_add_epi64",
	"xorps":  "_xor_ps",
	"xorpd":  "_xor_pd",
	"pxor":   "_xor_si128",
	"andps":  "_and_ps",
	"orps":   "_or_ps",
	"maxps":  "_max_ps",
	"minps":  "_min_ps",
	"sqrtps": "_sqrt_ps",
	"movaps": "_store_ps",
	"movups": "_storeu_ps",
	"movdqa": "_store_si128",
	"movdqu": "_storeu_si128",
}

// liftSIMD rewrites any vector mnemonic as a call to a synthesized
// intrinsic. The prefix is chosen by operand width (xmm/ymm/zmm) and the
// destination register rides along as the first extra argument, preceded
// only by mask_k_reg when the operand text carries an AVX-512 {k} mask.
func (l *Lifter) liftSIMD(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	prefix := "_mm"
	if strings.Contains(inst.OpText, "zmm") {
		prefix = "_mm512"
	} else if strings.Contains(inst.OpText, "ymm") {
		prefix = "_mm256"
	}

	base := strings.TrimPrefix(mnem, "v")
	name := prefix + "_" + base
	if suffix, ok := simdSuffixes[base]; ok {
		name = prefix + suffix
	}
	if strings.HasPrefix(base, "fmadd") && strings.HasSuffix(base, "ps") {
		name = prefix + "_fmadd_ps"
	}

	var args []*ir.Operand
	if strings.Contains(inst.OpText, "{k") {
		args = append(args, ir.Reg("mask_k_reg"))
	}
	for n := 0; n < 4; n++ {
		if op := l.Operand(inst, n); !op.IsNone() {
			args = append(args, op)
		}
	}
	call := ir.NewStatement(inst.Addr, ir.Call, ir.Reg(name), ir.None())
	call.Extra = args
	*out = append(*out, call)
}

// liftCrypto maps AES/SHA instructions onto their _mm intrinsics.
func (l *Lifter) liftCrypto(inst *disasm.Instruction, mnem string, out *[]*ir.Statement) {
	intrinsics := map[string]string{
		"aesenc":     "_mm_aesenc_si128",
		"aesdec":     "_mm_aesdec_si128",
		"aesenclast": "_mm_aesenclast_si128",
		"aesdeclast": "_mm_aesdeclast_si128",
		"sha1msg1":   "_mm_sha1msg1_epu32",
		"sha1msg2":   "_mm_sha1msg2_epu32",
		"sha256msg1": "_mm_sha256msg1_epu32",
	}
	name, ok := intrinsics[mnem]
	if !ok {
		name = mnem
	}
	call := ir.NewStatement(inst.Addr, ir.Call, ir.Reg(name), ir.None())
	call.Extra = []*ir.Operand{l.Operand(inst, 0), l.Operand(inst, 1)}
	*out = append(*out, call)
}
