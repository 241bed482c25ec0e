// Package mir defines the microcode-style intermediate representation that the
// deobfuscator operates on: basic blocks holding register-level instructions,
// connected by typed successor edges.
package mir

import (
	"fmt"
	"strings"
)

// BlockType is the role tag carried by every block.
type BlockType uint8

const (
	BlockNormal     BlockType = iota // No special role
	BlockDispatcher                  // Part of a flattening dispatcher
	BlockExit                        // Returns from the function
	BlockExternal                    // Control leaves to unresolved code
	BlockStop                        // Terminal sink of the graph
)

func (t BlockType) String() string {
	switch t {
	case BlockNormal:
		return "normal"
	case BlockDispatcher:
		return "dispatcher"
	case BlockExit:
		return "exit"
	case BlockExternal:
		return "external"
	case BlockStop:
		return "stop"
	default:
		return fmt.Sprintf("BlockType(%d)", uint8(t))
	}
}

// Opcode identifies an instruction.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpMov
	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpNeg
	OpNot
	OpSelect // dst = (l cond r) ? a : b
	OpLoad   // dst = [l]
	OpStore  // [dst] = l
	OpCall   // dst = call l
	OpGoto
	OpJcc  // if l cond r goto succs[0] else succs[1]
	OpJtbl // switch l: cases[i] -> succs[i], default -> last succ
	OpRet
	OpStop
)

var opcodeNames = [...]string{
	OpNop:    "nop",
	OpMov:    "mov",
	OpAdd:    "add",
	OpSub:    "sub",
	OpMul:    "mul",
	OpAnd:    "and",
	OpOr:     "or",
	OpXor:    "xor",
	OpShl:    "shl",
	OpShr:    "shr",
	OpNeg:    "neg",
	OpNot:    "not",
	OpSelect: "select",
	OpLoad:   "ldx",
	OpStore:  "stx",
	OpCall:   "call",
	OpGoto:   "goto",
	OpJcc:    "jcc",
	OpJtbl:   "jtbl",
	OpRet:    "ret",
	OpStop:   "stop",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// IsTerminator reports whether o ends a block.
func (o Opcode) IsTerminator() bool {
	switch o {
	case OpGoto, OpJcc, OpJtbl, OpRet, OpStop:
		return true
	}
	return false
}

// IsBinary reports whether o is a two-operand arithmetic or logic operation.
func (o Opcode) IsBinary() bool {
	switch o {
	case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor, OpShl, OpShr:
		return true
	}
	return false
}

// Cond is a comparison predicate used by OpJcc and OpSelect.
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondUlt
	CondUle
	CondUgt
	CondUge
	CondSlt
	CondSle
	CondSgt
	CondSge
)

var condNames = [...]string{
	CondEq:  "==",
	CondNe:  "!=",
	CondUlt: "<u",
	CondUle: "<=u",
	CondUgt: ">u",
	CondUge: ">=u",
	CondSlt: "<s",
	CondSle: "<=s",
	CondSgt: ">s",
	CondSge: ">=s",
}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Negate returns the predicate that holds exactly when c does not.
func (c Cond) Negate() Cond {
	switch c {
	case CondEq:
		return CondNe
	case CondNe:
		return CondEq
	case CondUlt:
		return CondUge
	case CondUle:
		return CondUgt
	case CondUgt:
		return CondUle
	case CondUge:
		return CondUlt
	case CondSlt:
		return CondSge
	case CondSle:
		return CondSgt
	case CondSgt:
		return CondSle
	default:
		return CondSlt
	}
}

// Swap returns the predicate p such that (r p l) holds exactly when (l c r)
// does.
func (c Cond) Swap() Cond {
	switch c {
	case CondUlt:
		return CondUgt
	case CondUle:
		return CondUge
	case CondUgt:
		return CondUlt
	case CondUge:
		return CondUle
	case CondSlt:
		return CondSgt
	case CondSle:
		return CondSge
	case CondSgt:
		return CondSlt
	case CondSge:
		return CondSle
	}
	return c
}

// Eval compares l and r, both truncated to size bytes.
func (c Cond) Eval(l, r uint64, size int) bool {
	l, r = Truncate(l, size), Truncate(r, size)
	sl, sr := SignExtend(l, size), SignExtend(r, size)
	switch c {
	case CondEq:
		return l == r
	case CondNe:
		return l != r
	case CondUlt:
		return l < r
	case CondUle:
		return l <= r
	case CondUgt:
		return l > r
	case CondUge:
		return l >= r
	case CondSlt:
		return sl < sr
	case CondSle:
		return sl <= sr
	case CondSgt:
		return sl > sr
	case CondSge:
		return sl >= sr
	}
	return false
}

// Truncate masks v to size bytes. Sizes outside 1..7 keep all 64 bits.
func Truncate(v uint64, size int) uint64 {
	if size <= 0 || size >= 8 {
		return v
	}
	return v & (1<<(8*uint(size)) - 1)
}

// SignExtend interprets the low size bytes of v as a signed integer.
func SignExtend(v uint64, size int) int64 {
	if size <= 0 || size >= 8 {
		return int64(v)
	}
	shift := 64 - 8*uint(size)
	return int64(v<<shift) >> shift
}

// OperandKind tells how an Operand is addressed.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
)

// Operand is a register, an immediate, or a memory reference (base register
// plus displacement). A zero Size means a full 64-bit operand.
type Operand struct {
	Kind OperandKind `msgpack:"k"`
	Reg  string      `msgpack:"r,omitempty"`
	Imm  uint64      `msgpack:"i,omitempty"`
	Size int         `msgpack:"s,omitempty"`
}

// Reg returns a 64-bit register operand.
func Reg(name string) Operand { return Operand{Kind: OperandReg, Reg: name} }

// Imm returns a 64-bit immediate operand.
func Imm(v uint64) Operand { return Operand{Kind: OperandImm, Imm: v} }

// Mem returns a memory operand addressing base+disp. An empty base makes the
// reference absolute.
func Mem(base string, disp uint64) Operand { return Operand{Kind: OperandMem, Reg: base, Imm: disp} }

// Sized returns a copy of o with the given byte size.
func (o Operand) Sized(size int) Operand {
	o.Size = size
	return o
}

// Width returns the effective operand size in bytes.
func (o Operand) Width() int {
	if o.Size <= 0 || o.Size > 8 {
		return 8
	}
	return o.Size
}

func (o Operand) IsReg() bool { return o.Kind == OperandReg }
func (o Operand) IsImm() bool { return o.Kind == OperandImm }
func (o Operand) IsMem() bool { return o.Kind == OperandMem }

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg
	case OperandImm:
		return fmt.Sprintf("#0x%x", o.Imm)
	case OperandMem:
		if o.Reg == "" {
			return fmt.Sprintf("[0x%x]", o.Imm)
		}
		if o.Imm == 0 {
			return fmt.Sprintf("[%s]", o.Reg)
		}
		return fmt.Sprintf("[%s+0x%x]", o.Reg, o.Imm)
	default:
		return "_"
	}
}

// Insn is one microcode instruction. Which operands are meaningful depends
// on Op; see the Opcode constants.
type Insn struct {
	Addr  uint64   `msgpack:"ea"`
	Op    Opcode   `msgpack:"op"`
	Dst   Operand  `msgpack:"d"`
	L     Operand  `msgpack:"l"`
	R     Operand  `msgpack:"r"`
	A     Operand  `msgpack:"a"`
	B     Operand  `msgpack:"b"`
	Cond  Cond     `msgpack:"c,omitempty"`
	Cases []uint64 `msgpack:"cases,omitempty"`
}

// Defs returns the registers written by the instruction.
func (i Insn) Defs() []string {
	switch {
	case i.Op == OpStore, i.Op.IsTerminator(), i.Op == OpNop:
		return nil
	case i.Dst.IsReg():
		return []string{i.Dst.Reg}
	}
	return nil
}

// Uses returns the registers read by the instruction, including base
// registers of memory operands.
func (i Insn) Uses() []string {
	var out []string
	add := func(o Operand) {
		if (o.IsReg() || o.IsMem()) && o.Reg != "" {
			out = append(out, o.Reg)
		}
	}
	add(i.L)
	add(i.R)
	add(i.A)
	add(i.B)
	if i.Op == OpStore {
		add(i.Dst)
	} else if i.Dst.IsMem() {
		add(i.Dst)
	}
	return out
}

// IsCopy reports whether the instruction is a plain register-to-register move.
func (i Insn) IsCopy() bool {
	return i.Op == OpMov && i.Dst.IsReg() && i.L.IsReg()
}

func (i Insn) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%08x %s", i.Addr, i.Op)
	switch {
	case i.Op == OpMov, i.Op == OpLoad, i.Op == OpNeg, i.Op == OpNot, i.Op == OpCall:
		fmt.Fprintf(&sb, " %s, %s", i.Dst, i.L)
	case i.Op == OpStore:
		fmt.Fprintf(&sb, " %s, %s", i.Dst, i.L)
	case i.Op.IsBinary():
		fmt.Fprintf(&sb, " %s, %s, %s", i.Dst, i.L, i.R)
	case i.Op == OpSelect:
		fmt.Fprintf(&sb, " %s, %s %s %s ? %s : %s", i.Dst, i.L, i.Cond, i.R, i.A, i.B)
	case i.Op == OpJcc:
		fmt.Fprintf(&sb, " %s %s %s", i.L, i.Cond, i.R)
	case i.Op == OpJtbl:
		fmt.Fprintf(&sb, " %s, %d cases", i.L, len(i.Cases))
	}
	return sb.String()
}

// Edge is a directed control edge, with a rendered guard for conditional
// transfers.
type Edge struct {
	From  int    `json:"from"`
	To    int    `json:"to"`
	Guard string `json:"guard,omitempty"`
}
