// split.go - ARM64 指令拆分
//
// ARM64 是加载/存储架构，运算指令只接受寄存器（add/sub/cmp 另有 imm12 形式）。
// 分配前把其他操作数装入虚拟寄存器，减少发射阶段对临时寄存器的依赖：
// - 运算的内存和立即数操作数先加载
// - 计数器地址先计算到寄存器，ldaddal 只接受 [Xn]
// - 本地调用参数变成到 X0-X7 的并行移动
// - 每条指令最多保留一个以虚拟寄存器为基址的内存操作数

package arm64

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

// toReg 不在寄存器中的操作数先加载
func toReg(out *lir.Assembler, o lir.Opnd, bits uint8) lir.Opnd {
	if inReg(o) {
		return o
	}
	return load(out, o, bits)
}

func (b *Backend) splitInsn(out *lir.Assembler, insn *lir.Insn) {
	ops := insn.Opnds
	bits := insn.Out.NumBits()

	switch insn.Op {
	case lir.OpAdd, lir.OpSub:
		ops[0] = toReg(out, ops[0], bits)
		if !imm12(ops[1]) {
			ops[1] = toReg(out, ops[1], bits)
		}

	case lir.OpMul, lir.OpAnd, lir.OpOr, lir.OpXor,
		lir.OpCSelE, lir.OpCSelNE, lir.OpCSelL, lir.OpCSelLE,
		lir.OpCSelG, lir.OpCSelGE, lir.OpCSelZ, lir.OpCSelNZ:
		ops[0] = toReg(out, ops[0], bits)
		ops[1] = toReg(out, ops[1], bits)

	case lir.OpNot, lir.OpJoz, lir.OpJonz, lir.OpJmpOpnd, lir.OpCPush:
		ops[0] = toReg(out, ops[0], ops[0].NumBits())

	case lir.OpLShift, lir.OpRShift, lir.OpURShift:
		ops[0] = toReg(out, ops[0], bits)
		if ops[1].Kind != lir.OpndImm && ops[1].Kind != lir.OpndUImm {
			ops[1] = toReg(out, ops[1], bits)
		}

	case lir.OpCmp:
		ops[0] = toReg(out, ops[0], ops[1].NumBits())
		if !imm12(ops[1]) {
			ops[1] = toReg(out, ops[1], ops[0].NumBits())
		}

	case lir.OpTest:
		ops[0] = toReg(out, ops[0], ops[1].NumBits())
		ops[1] = toReg(out, ops[1], ops[0].NumBits())

	case lir.OpMov, lir.OpStore:
		if ops[0].IsMem() {
			ops[1] = toReg(out, ops[1], ops[0].NumBits())
		}

	case lir.OpIncrCounter:
		if ops[0].IsMem() {
			ops[0] = lir.MemOpnd(64, out.Lea(ops[0]), 0)
		}
		ops[1] = toReg(out, ops[1], 64)

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

// splitCCall 参数按顺序并行移动到 X0-X7，调用指令本身不再携带操作数
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
