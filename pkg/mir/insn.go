package mir

// InsnSize is the address stride Assemble gives each instruction.
const InsnSize = 4

func Mov(dst, src Operand) Insn { return Insn{Op: OpMov, Dst: dst, L: src} }

func Bin(op Opcode, dst, l, r Operand) Insn { return Insn{Op: op, Dst: dst, L: l, R: r} }

func Select(dst, l Operand, c Cond, r, a, b Operand) Insn {
	return Insn{Op: OpSelect, Dst: dst, L: l, Cond: c, R: r, A: a, B: b}
}

func Load(dst, addr Operand) Insn { return Insn{Op: OpLoad, Dst: dst, L: addr} }

func Store(addr, val Operand) Insn { return Insn{Op: OpStore, Dst: addr, L: val} }

func Call(dst, target Operand) Insn { return Insn{Op: OpCall, Dst: dst, L: target} }

func Goto() Insn { return Insn{Op: OpGoto} }

func Jcc(l Operand, c Cond, r Operand) Insn { return Insn{Op: OpJcc, L: l, Cond: c, R: r} }

func Jtbl(l Operand, cases ...uint64) Insn { return Insn{Op: OpJtbl, L: l, Cases: cases} }

func Ret() Insn { return Insn{Op: OpRet} }

// Assemble assigns consecutive addresses starting at start and returns the
// instructions with the end address of the range.
func Assemble(start uint64, insns ...Insn) ([]Insn, uint64) {
	out := make([]Insn, len(insns))
	ea := start
	for i, in := range insns {
		in.Addr = ea
		out[i] = in
		ea += InsnSize
	}
	if len(insns) == 0 {
		ea += InsnSize
	}
	return out, ea
}

// Emit assembles insns at start and appends them as a new block.
func (g *Graph) Emit(start uint64, typ BlockType, insns []Insn, succs ...int) *Block {
	code, end := Assemble(start, insns...)
	return g.AddBlock(start, end, typ, code, succs...)
}
