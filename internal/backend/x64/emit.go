// emit.go - x86-64 指令发射
//
// 把寄存器分配后的 LIR 编码为 x86-64 机器码。此时操作数只剩物理寄存器、
// 以物理寄存器或栈槽为基址的内存引用以及立即数。
//
// 栈帧布局（RBP 为帧指针，np 为 FrameSetup 保存的寄存器个数）：
//
//	[rbp+8]             返回地址
//	[rbp]               调用者的 rbp
//	[rbp-8*np, rbp)     被调用者保存寄存器
//	[rbp-8*np-8*(k+1)]  栈槽 k
//
// RSP 在 FrameSetup 之后保持 16 字节对齐。

package x64

import (
	"fmt"

	"github.com/tangzhangming/novajit/internal/asm"
	x64enc "github.com/tangzhangming/novajit/internal/asm/x64"
	"github.com/tangzhangming/novajit/internal/lir"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// frame 第一条 FrameSetup 确定的帧布局，侧出口代码在拆帧之后仍然使用
type frame struct {
	preserved int
	slots     int
}

// emitter 单次发射的状态
type emitter struct {
	b         *Backend
	asm       *x64enc.Assembler
	cb        *asm.CodeBlock
	labels    []asm.Label
	frame     *frame
	gcOffsets []virtualmem.CodePtr
}

// Emit 把分配后的指令列表写入 cb，返回内嵌堆对象引用的位置
//
// 标签和标签引用只记录在 cb 中，由调用者在全部代码写完后链接。
func (b *Backend) Emit(a *lir.Assembler, cb *asm.CodeBlock) []virtualmem.CodePtr {
	e := &emitter{
		b:      b,
		asm:    x64enc.New(cb),
		cb:     cb,
		labels: make([]asm.Label, len(a.LabelNames)),
	}
	for i, name := range a.LabelNames {
		e.labels[i] = cb.NewLabel(name)
	}
	for i := range a.Insns {
		e.emitInstr(&a.Insns[i])
	}
	return e.gcOffsets
}

// ============================================================================
// 指令分派
// ============================================================================

func (e *emitter) emitInstr(insn *lir.Insn) {
	switch insn.Op {
	case lir.OpAdd:
		e.emitBinary(insn, x64enc.AluAdd)
	case lir.OpSub:
		e.emitBinary(insn, x64enc.AluSub)
	case lir.OpAnd:
		e.emitBinary(insn, x64enc.AluAnd)
	case lir.OpOr:
		e.emitBinary(insn, x64enc.AluOr)
	case lir.OpXor:
		e.emitBinary(insn, x64enc.AluXor)
	case lir.OpMul:
		e.emitMul(insn)
	case lir.OpNot:
		e.emitNot(insn)
	case lir.OpLShift:
		e.emitShift(insn, x64enc.ShiftShl)
	case lir.OpRShift:
		e.emitShift(insn, x64enc.ShiftSar)
	case lir.OpURShift:
		e.emitShift(insn, x64enc.ShiftShr)

	case lir.OpCmp:
		e.emitCompare(insn, false)
	case lir.OpTest:
		e.emitCompare(insn, true)

	case lir.OpLoad, lir.OpLiveReg:
		e.move(insn.Out, insn.Opnds[0])
	case lir.OpMov, lir.OpStore, lir.OpLoadInto:
		e.move(insn.Opnds[0], insn.Opnds[1])
	case lir.OpLoadSExt:
		e.emitLoadSExt(insn)
	case lir.OpLea:
		dst := e.destReg(insn.Out, lir.None, lir.None)
		e.asm.Lea(dst, e.mem(insn.Opnds[0]))
		e.storeOut(insn.Out, dst)
	case lir.OpLeaJumpTarget:
		e.emitLeaJumpTarget(insn)
	case lir.OpParallelMov:
		panic(fmt.Sprintf("parallel move must be resolved before emission: %s", insn))

	case lir.OpCSelE, lir.OpCSelNE, lir.OpCSelL, lir.OpCSelLE,
		lir.OpCSelG, lir.OpCSelGE, lir.OpCSelZ, lir.OpCSelNZ:
		e.emitCSel(insn, cselCond(insn.Op))

	case lir.OpJmp:
		e.emitJump(insn, 0, true)
	case lir.OpJe, lir.OpJne, lir.OpJl, lir.OpJle, lir.OpJg, lir.OpJge,
		lir.OpJb, lir.OpJbe, lir.OpJz, lir.OpJnz, lir.OpJo, lir.OpJoMul:
		e.emitJump(insn, jumpCond(insn.Op), false)
	case lir.OpJoz, lir.OpJonz:
		e.emitJumpIfZero(insn)
	case lir.OpJmpOpnd:
		e.asm.JmpRM(e.rmOrScratch(insn.Opnds[0]))
	case lir.OpLabel:
		e.cb.WriteLabel(e.labels[insn.Target.Label])

	case lir.OpCCall:
		if len(insn.Opnds) > 0 {
			panic(unsupported(insn, "call arguments must be lowered by Split"))
		}
		e.asm.MovImm(emitScratch, uint64(insn.Fptr))
		e.asm.CallRM(x64enc.R64(emitScratch))
	case lir.OpCRet:
		if len(insn.Opnds) > 0 && !insn.Opnds[0].IsNone() {
			e.move(regOpnd(x64enc.RAX, 64), insn.Opnds[0])
		}
		e.asm.Ret()
	case lir.OpCPush:
		e.asm.Push(e.toReg(insn.Opnds[0], emitScratch))
	case lir.OpCPop:
		if insn.Out.IsReg() {
			e.asm.Pop(hw(insn.Out))
		} else {
			e.asm.Pop(emitScratch)
			e.move(insn.Out, regOpnd(emitScratch, 64))
		}
	case lir.OpCPopInto:
		e.asm.Pop(hw(insn.Opnds[0]))
	case lir.OpCPushAll:
		for _, r := range e.b.platform.CallerSaved {
			e.asm.Push(x64enc.Reg(r.No))
		}
		e.asm.Pushfq()
	case lir.OpCPopAll:
		e.asm.Popfq()
		saved := e.b.platform.CallerSaved
		for i := len(saved) - 1; i >= 0; i-- {
			e.asm.Pop(x64enc.Reg(saved[i].No))
		}
	case lir.OpFrameSetup:
		e.emitFrameSetup(insn)
	case lir.OpFrameTeardown:
		e.emitFrameTeardown(insn)

	case lir.OpIncrCounter:
		value := e.toReg(insn.Opnds[1], emitScratch)
		e.asm.LockAdd(e.mem(insn.Opnds[0]), value)
	case lir.OpComment:
		e.cb.AddComment(insn.Text)
	case lir.OpBreakpoint:
		e.asm.Int3()
	case lir.OpPosMarker:
		insn.Marker(e.cb.WritePtr(), e.cb)

	default:
		panic(unsupported(insn, "unknown opcode"))
	}
}

// ============================================================================
// 操作数转换
// ============================================================================

// hw 物理寄存器操作数对应的编码寄存器
func hw(o lir.Opnd) x64enc.Reg {
	return x64enc.Reg(o.Reg.No)
}

// regOpnd 编码寄存器对应的 LIR 操作数
func regOpnd(r x64enc.Reg, bits uint8) lir.Opnd {
	return lir.NewReg(lir.Reg{No: uint8(r), Bits: bits})
}

// opndBits 操作数宽度，立即数按 64 位处理
func opndBits(o lir.Opnd) uint8 {
	if bits := o.NumBits(); bits != 0 {
		return bits
	}
	return 64
}

// spillOffset 栈槽相对 RBP 的偏移
func (e *emitter) spillOffset(slot int) int32 {
	if e.frame == nil {
		panic(fmt.Sprintf("stack slot %d used without a frame", slot))
	}
	return -8*int32(e.frame.preserved) - 8*int32(slot+1)
}

// mem 转换内存操作数
func (e *emitter) mem(o lir.Opnd) x64enc.Operand {
	m := o.Mem
	switch {
	case !o.IsMem():
		panic(fmt.Sprintf("expected a memory operand, got %s", o))
	case m.Base.Kind == lir.BaseReg:
		return x64enc.M(m.Bits, x64enc.Reg(m.Base.Reg), m.Disp)
	case m.Base.Kind == lir.BaseStack:
		return x64enc.M(m.Bits, x64enc.RBP, e.spillOffset(m.Base.Idx)+m.Disp)
	}
	panic(fmt.Sprintf("memory operand %s was not allocated", o))
}

// rm 按指定宽度转换寄存器或内存操作数
func (e *emitter) rm(o lir.Opnd, bits uint8) x64enc.Operand {
	switch o.Kind {
	case lir.OpndReg:
		return x64enc.R(hw(o), bits)
	case lir.OpndMem:
		m := e.mem(o)
		m.Bits = bits
		return m
	}
	panic(fmt.Sprintf("expected a register or memory operand, got %s", o))
}

// rmOrScratch 立即数先装入发射器临时寄存器
func (e *emitter) rmOrScratch(o lir.Opnd) x64enc.Operand {
	if o.IsImm() {
		e.loadImm(emitScratch, o)
		return x64enc.R64(emitScratch)
	}
	return e.rm(o, 64)
}

// loadImm 加载立即数，堆对象使用固定 8 字节编码并记录位置
func (e *emitter) loadImm(dst x64enc.Reg, o lir.Opnd) {
	if o.Kind == lir.OpndValue && e.b.model.IsHeapObject(lir.Value(o.Imm)) {
		e.asm.MovImm64(dst, o.Imm)
		e.gcOffsets = append(e.gcOffsets, e.cb.Ptr(e.cb.WritePos()-8))
		return
	}
	e.asm.MovImm(dst, o.Imm)
}

// load 从内存加载，8/16 位零扩展
func (e *emitter) load(dst x64enc.Reg, src lir.Opnd) {
	m := e.mem(src)
	switch m.Bits {
	case 8, 16:
		e.asm.Movzx(dst, m)
	default:
		e.asm.MovLoad(dst, m)
	}
}

// toReg 操作数不在寄存器中时装入 scratch
func (e *emitter) toReg(o lir.Opnd, scratch x64enc.Reg) x64enc.Reg {
	if o.IsReg() {
		return hw(o)
	}
	e.move(regOpnd(scratch, 64), o)
	return scratch
}

// move 通用移动 dst <- src
func (e *emitter) move(dst, src lir.Opnd) {
	switch {
	case dst.IsReg():
		d := hw(dst)
		switch {
		case src.IsReg():
			if !src.Reg.SameAs(dst.Reg) {
				e.asm.MovRR(d, hw(src))
			}
		case src.IsMem():
			e.load(d, src)
		case src.IsImm():
			e.loadImm(d, src)
		default:
			panic(fmt.Sprintf("cannot move %s into %s", src, dst))
		}

	case dst.IsMem():
		m := e.mem(dst)
		switch {
		case src.IsReg():
			e.asm.MovStore(m, hw(src))
		case src.IsImm() && !e.b.needsRegister(src):
			e.asm.MovStoreImm(m, int32(src.ImmValue()))
		case src.IsImm():
			e.loadImm(emitScratch, src)
			e.asm.MovStore(m, emitScratch)
		case src.IsMem():
			e.load(emitScratch, src)
			e.asm.MovStore(m, emitScratch)
		default:
			panic(fmt.Sprintf("cannot move %s into %s", src, dst))
		}

	default:
		panic(fmt.Sprintf("invalid move destination: %s", dst))
	}
}

// destReg 选择计算结果所在的寄存器
//
// 输出是寄存器且不会被 right 读取（或者就是 left 本身）时直接使用输出寄存器，
// 否则使用发射器临时寄存器，最后再存回输出位置。
func (e *emitter) destReg(out, left, right lir.Opnd) x64enc.Reg {
	if out.IsReg() && (!right.ReadsReg(out.Reg) || (left.IsReg() && left.Reg.SameAs(out.Reg))) {
		return hw(out)
	}
	return emitScratch
}

// otherScratch 返回与 dst 不同的临时寄存器
//
// 只在右操作数是立即数时使用 R11，此时本条指令不再需要分配器重载的基址。
func otherScratch(dst x64enc.Reg) x64enc.Reg {
	if dst == emitScratch {
		return x64enc.Reg(Platform().Scratch.No)
	}
	return emitScratch
}

// storeOut 把 dst 中的结果写回输出位置
func (e *emitter) storeOut(out lir.Opnd, dst x64enc.Reg) {
	if out.IsReg() && hw(out) == dst {
		return
	}
	e.move(out, regOpnd(dst, opndBits(out)))
}

// ============================================================================
// 算术与位运算
// ============================================================================

// emitBinary dst = left; dst op= right
func (e *emitter) emitBinary(insn *lir.Insn, op x64enc.AluOp) {
	left, right, out := insn.Opnds[0], insn.Opnds[1], insn.Out
	bits := opndBits(out)
	dst := e.destReg(out, left, right)
	e.move(regOpnd(dst, 64), left)

	switch {
	case right.IsImm() && !e.b.needsRegister(right):
		e.asm.AluImm(op, x64enc.R(dst, bits), int32(right.ImmValue()))
	case right.IsImm():
		tmp := otherScratch(dst)
		e.loadImm(tmp, right)
		e.asm.AluRM(op, x64enc.R(dst, bits), tmp)
	case right.IsReg():
		e.asm.AluRM(op, x64enc.R(dst, bits), hw(right))
	default:
		e.asm.AluLoad(op, dst, e.rm(right, bits))
	}
	e.storeOut(out, dst)
}

// emitMul 有符号乘法，溢出时设置 OF（供 JoMul 使用）
func (e *emitter) emitMul(insn *lir.Insn) {
	left, right, out := insn.Opnds[0], insn.Opnds[1], insn.Out
	bits := opndBits(out)

	if right.IsImm() && !e.b.needsRegister(right) {
		dst := e.destReg(out, lir.None, lir.None)
		src := left
		if src.IsImm() {
			e.loadImm(dst, src)
			src = regOpnd(dst, bits)
		}
		e.asm.IMulImm(dst, e.rm(src, bits), int32(right.ImmValue()))
		e.storeOut(out, dst)
		return
	}

	dst := e.destReg(out, left, right)
	e.move(regOpnd(dst, 64), left)
	switch {
	case right.IsImm():
		tmp := otherScratch(dst)
		e.loadImm(tmp, right)
		e.asm.IMul(dst, x64enc.R(tmp, bits))
	default:
		e.asm.IMul(dst, e.rm(right, bits))
	}
	e.storeOut(out, dst)
}

func (e *emitter) emitNot(insn *lir.Insn) {
	out := insn.Out
	dst := e.destReg(out, lir.None, lir.None)
	e.move(regOpnd(dst, 64), insn.Opnds[0])
	e.asm.Not(x64enc.R(dst, opndBits(out)))
	e.storeOut(out, dst)
}

// emitShift 移位量必须是立即数
func (e *emitter) emitShift(insn *lir.Insn, op x64enc.ShiftOp) {
	opnd, shift, out := insn.Opnds[0], insn.Opnds[1], insn.Out
	if shift.Kind != lir.OpndImm && shift.Kind != lir.OpndUImm {
		panic(unsupported(insn, "shift amount must be an immediate"))
	}
	bits := opndBits(out)
	dst := e.destReg(out, lir.None, lir.None)
	e.move(regOpnd(dst, 64), opnd)
	e.asm.ShiftImm(op, x64enc.R(dst, bits), byte(shift.Imm&uint64(bits-1)))
	e.storeOut(out, dst)
}

// emitCompare cmp/test left, right
func (e *emitter) emitCompare(insn *lir.Insn, test bool) {
	left, right := insn.Opnds[0], insn.Opnds[1]
	bits := left.NumBits()
	if bits == 0 {
		bits = opndBits(right)
	}

	var lhs x64enc.Operand
	tmp := emitScratch
	if left.IsImm() {
		e.loadImm(emitScratch, left)
		lhs = x64enc.R(emitScratch, bits)
		tmp = otherScratch(emitScratch)
	} else {
		lhs = e.rm(left, bits)
	}

	withReg := func(r x64enc.Reg) {
		if test {
			e.asm.TestRM(lhs, r)
		} else {
			e.asm.AluRM(x64enc.AluCmp, lhs, r)
		}
	}

	switch {
	case right.IsImm() && !e.b.needsRegister(right):
		if test {
			e.asm.TestImm(lhs, int32(right.ImmValue()))
		} else {
			e.asm.AluImm(x64enc.AluCmp, lhs, int32(right.ImmValue()))
		}
	case right.IsImm():
		e.loadImm(tmp, right)
		withReg(tmp)
	case right.IsReg():
		withReg(hw(right))
	case !lhs.IsMem():
		if test {
			e.asm.TestRM(e.rm(right, bits), lhs.Reg)
		} else {
			e.asm.AluLoad(x64enc.AluCmp, lhs.Reg, e.rm(right, bits))
		}
	default:
		// 内存与内存
		e.move(regOpnd(tmp, 64), right)
		withReg(tmp)
	}
}

// ============================================================================
// 数据移动
// ============================================================================

func (e *emitter) emitLoadSExt(insn *lir.Insn) {
	opnd, out := insn.Opnds[0], insn.Out
	dst := e.destReg(out, lir.None, lir.None)
	if (opnd.IsReg() || opnd.IsMem()) && opnd.NumBits() < 64 {
		e.asm.Movsx(dst, e.rm(opnd, opnd.NumBits()))
	} else {
		e.move(regOpnd(dst, 64), opnd)
	}
	e.storeOut(out, dst)
}

func (e *emitter) emitLeaJumpTarget(insn *lir.Insn) {
	dst := e.destReg(insn.Out, lir.None, lir.None)
	t := insn.Target
	switch t.Kind {
	case lir.TargetLabel:
		e.asm.LeaLabel(dst, e.labels[t.Label])
	case lir.TargetCodePtr:
		addr, err := e.cb.Mem().RawAddr(t.Ptr)
		if err != nil {
			panic(fmt.Sprintf("lea of %s: %v", t, err))
		}
		e.asm.MovImm(dst, uint64(addr))
	default:
		panic(fmt.Sprintf("side exit target reached the emitter: %s", insn))
	}
	e.storeOut(insn.Out, dst)
}

// emitCSel dst = falsy; cmovcc dst, truthy
func (e *emitter) emitCSel(insn *lir.Insn, cc x64enc.Cond) {
	truthy, falsy, out := insn.Opnds[0], insn.Opnds[1], insn.Out
	bits := opndBits(out)
	// cmov 没有 8 位形式
	cmovBits := max(bits, 32)

	dst := emitScratch
	if out.IsReg() && !truthy.ReadsReg(out.Reg) {
		dst = hw(out)
	}
	e.move(regOpnd(dst, 64), falsy)

	var src x64enc.Operand
	switch {
	case truthy.IsReg():
		src = x64enc.R(hw(truthy), cmovBits)
	case truthy.IsMem() && truthy.NumBits() == cmovBits:
		src = e.rm(truthy, cmovBits)
	default:
		tmp := otherScratch(dst)
		e.move(regOpnd(tmp, 64), truthy)
		src = x64enc.R(tmp, cmovBits)
	}
	e.asm.Cmov(cc, dst, src)
	e.storeOut(out, dst)
}

func cselCond(op lir.Op) x64enc.Cond {
	switch op {
	case lir.OpCSelE, lir.OpCSelZ:
		return x64enc.CondE
	case lir.OpCSelNE, lir.OpCSelNZ:
		return x64enc.CondNE
	case lir.OpCSelL:
		return x64enc.CondL
	case lir.OpCSelLE:
		return x64enc.CondLE
	case lir.OpCSelG:
		return x64enc.CondG
	case lir.OpCSelGE:
		return x64enc.CondGE
	}
	panic(fmt.Sprintf("not a conditional select: %s", op))
}

// ============================================================================
// 跳转
// ============================================================================

func jumpCond(op lir.Op) x64enc.Cond {
	switch op {
	case lir.OpJe, lir.OpJz:
		return x64enc.CondE
	case lir.OpJne, lir.OpJnz:
		return x64enc.CondNE
	case lir.OpJl:
		return x64enc.CondL
	case lir.OpJle:
		return x64enc.CondLE
	case lir.OpJg:
		return x64enc.CondG
	case lir.OpJge:
		return x64enc.CondGE
	case lir.OpJb:
		return x64enc.CondB
	case lir.OpJbe:
		return x64enc.CondBE
	case lir.OpJo, lir.OpJoMul:
		// imul 溢出同样设置 OF
		return x64enc.CondO
	}
	panic(fmt.Sprintf("not a conditional jump: %s", op))
}

func (e *emitter) emitJump(insn *lir.Insn, cc x64enc.Cond, uncond bool) {
	t := insn.Target
	switch t.Kind {
	case lir.TargetLabel:
		if uncond {
			e.asm.JmpLabel(e.labels[t.Label])
		} else {
			e.asm.JccLabel(cc, e.labels[t.Label])
		}
	case lir.TargetCodePtr:
		if uncond {
			e.asm.JmpPtr(t.Ptr)
		} else {
			e.asm.JccPtr(cc, t.Ptr)
		}
	default:
		panic(fmt.Sprintf("side exit target reached the emitter: %s", insn))
	}
}

// emitJumpIfZero Joz/Jonz
func (e *emitter) emitJumpIfZero(insn *lir.Insn) {
	opnd := insn.Opnds[0]
	bits := opndBits(opnd)
	switch {
	case opnd.IsReg():
		e.asm.TestRM(x64enc.R(hw(opnd), bits), hw(opnd))
	case opnd.IsMem():
		e.asm.AluImm(x64enc.AluCmp, e.mem(opnd), 0)
	default:
		e.loadImm(emitScratch, opnd)
		e.asm.TestRM(x64enc.R64(emitScratch), emitScratch)
	}
	cc := x64enc.CondE
	if insn.Op == lir.OpJonz {
		cc = x64enc.CondNE
	}
	e.emitJump(insn, cc, false)
}

// ============================================================================
// 栈帧
// ============================================================================

func align16(n int) int {
	return (n + 15) &^ 15
}

// emitFrameSetup push rbp; mov rbp, rsp; push 保存寄存器; sub rsp, 栈槽空间
func (e *emitter) emitFrameSetup(insn *lir.Insn) {
	np := len(insn.Preserved)
	if e.frame == nil {
		e.frame = &frame{preserved: np, slots: insn.SlotCount}
	}
	e.asm.Push(x64enc.RBP)
	e.asm.MovRR(x64enc.RBP, x64enc.RSP)
	for _, r := range insn.Preserved {
		e.asm.Push(x64enc.Reg(r.No))
	}
	// 保存寄存器和栈槽合计对齐到 16 字节
	size := align16(8*np+8*insn.SlotCount) - 8*np
	if size > 0 {
		e.asm.AluImm(x64enc.AluSub, x64enc.R64(x64enc.RSP), int32(size))
	}
}

// emitFrameTeardown lea rsp, [rbp-8*np]; pop 保存寄存器; pop rbp
func (e *emitter) emitFrameTeardown(insn *lir.Insn) {
	np := len(insn.Preserved)
	e.asm.Lea(x64enc.RSP, x64enc.M(64, x64enc.RBP, -8*int32(np)))
	for i := np - 1; i >= 0; i-- {
		e.asm.Pop(x64enc.Reg(insn.Preserved[i].No))
	}
	e.asm.Pop(x64enc.RBP)
}
