// split.go - x86-64 指令拆分
//
// 在寄存器分配之前把 LIR 改写成 x86-64 能直接编码的形式：
// - 不能作为 imm32 的立即数和需要 GC 跟踪的堆对象先装入虚拟寄存器
// - 二元运算的左操作数不能是立即数
// - 内存到内存的移动拆成加载 + 存储
// - 本地调用的参数变成到参数寄存器的并行移动
// - 每条指令最多保留一个以虚拟寄存器为基址的内存操作数
//   （基址溢出到栈上时，分配器只有一个临时寄存器用来重载）

package x64

import (
	"fmt"

	"github.com/tangzhangming/novajit/internal/lir"
)

// Split 返回拆分后的新指令列表，in 不再使用
func (b *Backend) Split(in *lir.Assembler) *lir.Assembler {
	out := in.Fork()
	for i := range in.Insns {
		insn := in.Insns[i]
		insn.Opnds = append([]lir.Opnd(nil), insn.Opnds...)
		b.splitInsn(out, &insn)
	}
	return out
}

// load 把操作数装入新的虚拟寄存器
func load(out *lir.Assembler, o lir.Opnd, bits uint8) lir.Opnd {
	v := out.Load(o)
	if bits != 0 {
		v = v.WithBits(bits)
	}
	return v
}

func (b *Backend) splitInsn(out *lir.Assembler, insn *lir.Insn) {
	ops := insn.Opnds
	bits := insn.Out.NumBits()

	switch insn.Op {
	case lir.OpAdd, lir.OpSub, lir.OpAnd, lir.OpOr, lir.OpXor, lir.OpMul:
		if ops[0].IsImm() {
			ops[0] = load(out, ops[0], bits)
		}
		if b.needsRegister(ops[1]) {
			ops[1] = load(out, ops[1], bits)
		}

	case lir.OpLShift, lir.OpRShift, lir.OpURShift:
		if ops[1].Kind != lir.OpndImm && ops[1].Kind != lir.OpndUImm {
			panic(unsupported(insn, "shift amount must be an immediate"))
		}
		if ops[0].IsImm() {
			ops[0] = load(out, ops[0], bits)
		}

	case lir.OpNot:
		if ops[0].IsImm() {
			ops[0] = load(out, ops[0], bits)
		}

	case lir.OpCmp, lir.OpTest:
		if ops[0].IsImm() {
			ops[0] = load(out, ops[0], ops[1].NumBits())
		}
		if b.needsRegister(ops[1]) {
			ops[1] = load(out, ops[1], ops[0].NumBits())
		}

	case lir.OpCSelE, lir.OpCSelNE, lir.OpCSelL, lir.OpCSelLE,
		lir.OpCSelG, lir.OpCSelGE, lir.OpCSelZ, lir.OpCSelNZ:
		if ops[0].IsImm() {
			ops[0] = load(out, ops[0], bits)
		}
		if b.needsRegister(ops[1]) {
			ops[1] = load(out, ops[1], bits)
		}

	case lir.OpMov, lir.OpStore:
		if ops[0].IsMem() && (ops[1].IsMem() || b.needsRegister(ops[1])) {
			ops[1] = load(out, ops[1], ops[0].NumBits())
		}

	case lir.OpJoz, lir.OpJonz, lir.OpJmpOpnd, lir.OpCPush:
		if ops[0].IsImm() {
			ops[0] = load(out, ops[0], 64)
		}

	case lir.OpIncrCounter:
		if !ops[1].IsReg() && !ops[1].IsVReg() {
			ops[1] = load(out, ops[1], 64)
		}

	case lir.OpCCall:
		b.splitCCall(out, insn)
		return

	case lir.OpParallelMov:
		insn.Moves = append([]lir.Move(nil), insn.Moves...)
		for i, m := range insn.Moves {
			if _, ok := m.Src.VRegIdx(); ok && m.Src.IsMem() {
				insn.Moves[i].Src = load(out, m.Src, m.Dest.NumBits())
			}
		}
	}

	limitVRegBases(out, insn)
	out.PushInsn(*insn)
}

// splitCCall 参数按顺序并行移动到参数寄存器，调用指令本身不再携带操作数
func (b *Backend) splitCCall(out *lir.Assembler, insn *lir.Insn) {
	argRegs := b.platform.CArgRegs
	if len(insn.Opnds) > len(argRegs) {
		panic(unsupported(insn, fmt.Sprintf("%d arguments, at most %d are passed in registers",
			len(insn.Opnds), len(argRegs))))
	}

	moves := make([]lir.Move, 0, len(insn.Opnds))
	for i, arg := range insn.Opnds {
		if arg.IsMem() {
			arg = load(out, arg, 0)
		}
		bits := arg.NumBits()
		if bits == 0 {
			bits = 64
		}
		moves = append(moves, lir.Move{
			Dest: lir.NewReg(argRegs[i].WithBits(bits)),
			Src:  arg,
		})
	}
	if len(moves) > 0 {
		out.ParallelMov(moves)
	}
	insn.Opnds = nil
	out.PushInsn(*insn)
}

// limitVRegBases 只保留第一个虚拟寄存器基址，其余内存操作数先加载
func limitVRegBases(out *lir.Assembler, insn *lir.Insn) {
	base := -1
	for i := range insn.Opnds {
		o := insn.Opnds[i]
		if !o.IsMem() || o.Mem.Base.Kind != lir.BaseVReg {
			continue
		}
		if base < 0 || base == o.Mem.Base.Idx {
			base = o.Mem.Base.Idx
			continue
		}
		insn.Opnds[i] = load(out, o, 0)
	}
}
