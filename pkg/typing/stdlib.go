package typing

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/seclususs/rcdecomp/pkg/disasm"
	"github.com/seclususs/rcdecomp/pkg/loader"
	log "github.com/sirupsen/logrus"
)

// SignatureEntry is one function in an external signature database.
type SignatureEntry struct {
	Name          string   `json:"name"`
	HashSignature string   `json:"hash_signature,omitempty"`
	ReturnType    string   `json:"return_type"`
	ArgTypes      []string `json:"arg_types"`
}

// SignatureDB is the JSON shape of an external library database.
type SignatureDB struct {
	LibraryName  string           `json:"library_name"`
	Architecture string           `json:"architecture"`
	Functions    []SignatureEntry `json:"functions"`
}

// StdLib resolves known function signatures by symbol name or by an
// instruction-stream hash for statically linked copies.
type StdLib struct {
	byName map[string]*Signature
	byHash map[string]hashedEntry
}

type hashedEntry struct {
	name string
	sig  *Signature
}

// NewStdLib builds the manager with the built-in C runtime signatures.
func NewStdLib() *StdLib {
	m := &StdLib{
		byName: make(map[string]*Signature),
		byHash: make(map[string]hashedEntry),
	}
	m.define("malloc", "void*", "int")
	m.define("free", "void", "void*")
	m.define("printf", "int", "char*")
	m.define("memcpy", "void*", "void*", "void*", "int")
	m.define("memset", "void*", "void*", "int", "int")
	m.define("strlen", "int", "char*")
	m.define("strcpy", "char*", "char*", "char*")
	m.define("strcmp", "int", "char*", "char*")
	return m
}

func (m *StdLib) define(name, ret string, args ...string) {
	sig := &Signature{Return: ParseCType(ret)}
	for _, a := range args {
		sig.Args = append(sig.Args, ParseCType(a))
	}
	m.byName[name] = sig
}

// LoadDB merges an external JSON database.
func (m *StdLib) LoadDB(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "signature database")
	}
	defer f.Close()
	db, err := ReadSignatureDB(f)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"library": db.LibraryName,
		"arch":    db.Architecture,
		"entries": len(db.Functions),
	}).Info("external signature database loaded")
	for _, entry := range db.Functions {
		sig := &Signature{Return: ParseCType(entry.ReturnType)}
		for _, a := range entry.ArgTypes {
			sig.Args = append(sig.Args, ParseCType(a))
		}
		m.byName[entry.Name] = sig
		if entry.HashSignature != "" {
			m.byHash[entry.HashSignature] = hashedEntry{entry.Name, sig}
		}
	}
	return nil
}

// ReadSignatureDB decodes and sanity-checks a database stream.
func ReadSignatureDB(r io.Reader) (*SignatureDB, error) {
	var db SignatureDB
	if err := json.NewDecoder(r).Decode(&db); err != nil {
		return nil, errors.Wrap(err, "parsing signature database")
	}
	for i, fn := range db.Functions {
		if fn.Name == "" {
			return nil, errors.Errorf("entry %d has no name", i)
		}
		if fn.ReturnType == "" {
			return nil, errors.Errorf("entry %q has no return type", fn.Name)
		}
	}
	return &db, nil
}

// WriteSignatureDB encodes a database with stable formatting.
func WriteSignatureDB(w io.Writer, db *SignatureDB) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(db)
}

// ApplyKnownSignatures seeds the type system for every symbol whose
// cleaned name matches a known function.
func (m *StdLib) ApplyKnownSignatures(symbols map[uint64]string, sys *System) {
	for addr, raw := range symbols {
		name := CleanSymbolName(raw)
		if sig, ok := m.byName[name]; ok {
			log.WithFields(log.Fields{"symbol": name, "addr": fmt.Sprintf("0x%x", addr)}).
				Debug("known signature applied")
			sys.Signatures[addr] = sig.Clone()
		}
	}
}

// IdentifyStaticFunctions hashes unnamed functions' instruction streams
// and installs the matched name and signature. Returns the number of
// matches.
func (m *StdLib) IdentifyStaticFunctions(vm *loader.VirtualMemory, entries []uint64, counts map[uint64]int, sys *System) int {
	if len(m.byHash) == 0 {
		return 0
	}
	engine := disasm.NewEngine(vm.Arch)
	matched := 0
	for _, addr := range entries {
		if _, named := vm.Symbols[addr]; named {
			continue
		}
		h, ok := FunctionHash(vm, engine, addr, counts[addr])
		if !ok {
			continue
		}
		if entry, ok := m.byHash[h]; ok {
			log.WithFields(log.Fields{"addr": fmt.Sprintf("0x%x", addr), "name": entry.name}).
				Info("static function identified by hash")
			vm.Symbols[addr] = entry.name
			sys.Signatures[addr] = entry.sig.Clone()
			matched++
		}
	}
	return matched
}

// functionHashWindow bounds how many instructions contribute to a hash.
const functionHashWindow = 50

// FunctionHash fingerprints a function's leading instructions: mnemonics
// and operand shapes contribute, immediate values do not, so relocated
// copies of one library function hash alike.
func FunctionHash(vm *loader.VirtualMemory, engine *disasm.Engine, start uint64, instrLimit int) (string, bool) {
	h := fnv.New64a()
	addr := start
	limit := functionHashWindow
	if instrLimit > 0 && instrLimit < limit {
		limit = instrLimit
	}
	count := 0
	for count < limit {
		buf := vm.ReadRange(addr, 16)
		if buf == nil {
			break
		}
		inst, err := engine.Decode(buf, addr)
		if err != nil {
			break
		}
		io.WriteString(h, inst.Mnemonic)
		for _, op := range inst.Operands {
			switch op.Kind {
			case disasm.OperandRegister:
				io.WriteString(h, "R"+op.Reg)
			case disasm.OperandImmediate:
				io.WriteString(h, "I")
			case disasm.OperandMemory:
				fmt.Fprintf(h, "M%s%s%d", op.Base, op.Index, op.Scale)
			default:
				io.WriteString(h, "U")
			}
		}
		addr += uint64(inst.Len())
		count++
		if inst.Mnemonic == "ret" || inst.Mnemonic == "retn" {
			break
		}
	}
	if count == 0 {
		return "", false
	}
	return fmt.Sprintf("%016x", h.Sum64()), true
}

// CleanSymbolName strips a leading underscore and anything after '@'
// (PLT and version decorations).
func CleanSymbolName(raw string) string {
	name := strings.TrimPrefix(raw, "_")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return name
}

// ParseCType maps a C type spelling onto the recovered-type vocabulary.
func ParseCType(s string) *Type {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "*") {
		return PointerTo(ParseCType(strings.TrimSuffix(s, "*")))
	}
	switch s {
	case "void":
		return Void()
	case "char", "int8_t":
		return Integer(1)
	case "short", "int16_t":
		return Integer(2)
	case "int", "long", "int32_t":
		return Integer(4)
	case "long long", "int64_t", "size_t":
		return Integer(8)
	case "float":
		return Float(4)
	case "double":
		return Float(8)
	default:
		return StructOf(s)
	}
}
