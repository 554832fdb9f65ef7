// emit.go - ARM64 指令发射
//
// 把寄存器分配后的 LIR 编码为 AArch64 机器码。溢出到栈槽的操作数在使用前
// 加载到发射器临时寄存器，结果写回时再存储。
//
// 栈帧布局（X29 为帧指针，np 为 FrameSetup 保存的寄存器个数）：
//
//	[x29+8]               x30
//	[x29]                 调用者的 x29
//	[x29-16*np, x29)      被调用者保存寄存器，每个占 16 字节
//	[x29-16*np-8*(k+1)]   栈槽 k

package arm64

import (
	"fmt"

	"github.com/tangzhangming/novajit/internal/asm"
	arm64enc "github.com/tangzhangming/novajit/internal/asm/arm64"
	"github.com/tangzhangming/novajit/internal/lir"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// frame 第一条 FrameSetup 确定的帧布局
type frame struct {
	preserved int
	slots     int
}

// emitter 单次发射的状态
type emitter struct {
	b         *Backend
	asm       *arm64enc.Assembler
	cb        *asm.CodeBlock
	labels    []asm.Label
	frame     *frame
	gcOffsets []virtualmem.CodePtr
}

// Emit 把分配后的指令列表写入 cb，返回内嵌堆对象引用的位置
func (b *Backend) Emit(a *lir.Assembler, cb *asm.CodeBlock) []virtualmem.CodePtr {
	e := &emitter{
		b:      b,
		asm:    arm64enc.New(cb),
		cb:     cb,
		labels: make([]asm.Label, len(a.LabelNames)),
	}
	for i, name := range a.LabelNames {
		e.labels[i] = cb.NewLabel(name)
	}
	for i := range a.Insns {
		// Mul 紧跟 JoMul 时需要额外的溢出检查
		checkOverflow := a.Insns[i].Op == lir.OpMul &&
			i+1 < len(a.Insns) && a.Insns[i+1].Op == lir.OpJoMul
		e.emitInstr(&a.Insns[i], checkOverflow)
	}
	return e.gcOffsets
}

// ============================================================================
// 指令分派
// ============================================================================

func (e *emitter) emitInstr(insn *lir.Insn, checkOverflow bool) {
	switch insn.Op {
	case lir.OpAdd:
		e.emitAddSub(insn, false)
	case lir.OpSub:
		e.emitAddSub(insn, true)
	case lir.OpAnd:
		e.emitLogical(insn, e.asm.And)
	case lir.OpOr:
		e.emitLogical(insn, e.asm.Orr)
	case lir.OpXor:
		e.emitLogical(insn, e.asm.Eor)
	case lir.OpMul:
		e.emitMul(insn, checkOverflow)
	case lir.OpNot:
		bits := opndBits(insn.Out)
		dst := e.destReg(insn.Out)
		e.asm.Mvn(dst, e.toReg(insn.Opnds[0], scratch0), bits)
		e.storeOut(insn.Out, dst)
	case lir.OpLShift, lir.OpRShift, lir.OpURShift:
		e.emitShift(insn)

	case lir.OpCmp:
		left := e.toReg(insn.Opnds[0], scratch0)
		bits := opndBits(insn.Opnds[0])
		if right := insn.Opnds[1]; imm12(right) {
			e.asm.CmpImm(left, uint32(right.Imm), bits)
		} else {
			e.asm.Cmp(left, e.toReg(right, scratch1), bits)
		}
	case lir.OpTest:
		bits := opndBits(insn.Opnds[0])
		e.asm.Tst(e.toReg(insn.Opnds[0], scratch0), e.toReg(insn.Opnds[1], scratch1), bits)

	case lir.OpLoad, lir.OpLiveReg:
		e.move(insn.Out, insn.Opnds[0])
	case lir.OpMov, lir.OpStore, lir.OpLoadInto:
		e.move(insn.Opnds[0], insn.Opnds[1])
	case lir.OpLoadSExt:
		e.emitLoadSExt(insn)
	case lir.OpLea:
		dst := e.destReg(insn.Out)
		base, off := e.memBase(insn.Opnds[0])
		e.addOffset(dst, base, off)
		e.storeOut(insn.Out, dst)
	case lir.OpLeaJumpTarget:
		e.emitLeaJumpTarget(insn)
	case lir.OpParallelMov:
		panic(fmt.Sprintf("parallel move must be resolved before emission: %s", insn))

	case lir.OpCSelE, lir.OpCSelNE, lir.OpCSelL, lir.OpCSelLE,
		lir.OpCSelG, lir.OpCSelGE, lir.OpCSelZ, lir.OpCSelNZ:
		bits := opndBits(insn.Out)
		dst := e.destReg(insn.Out)
		truthy := e.toReg(insn.Opnds[0], scratch0)
		falsy := e.toReg(insn.Opnds[1], scratch1)
		e.asm.Csel(dst, truthy, falsy, cselCond(insn.Op), bits)
		e.storeOut(insn.Out, dst)

	case lir.OpJmp:
		e.emitJump(insn, arm64enc.CondAL)
	case lir.OpJe, lir.OpJne, lir.OpJl, lir.OpJle, lir.OpJg, lir.OpJge,
		lir.OpJb, lir.OpJbe, lir.OpJz, lir.OpJnz, lir.OpJo, lir.OpJoMul:
		e.emitJump(insn, jumpCond(insn.Op))
	case lir.OpJoz, lir.OpJonz:
		e.emitJumpIfZero(insn)
	case lir.OpJmpOpnd:
		e.asm.Br(e.toReg(insn.Opnds[0], scratch0))
	case lir.OpLabel:
		e.cb.WriteLabel(e.labels[insn.Target.Label])

	case lir.OpCCall:
		if len(insn.Opnds) > 0 {
			panic(unsupported(insn, "call arguments must be lowered by Split"))
		}
		e.asm.MovImm(scratch0, uint64(insn.Fptr))
		e.asm.Blr(scratch0)
	case lir.OpCRet:
		if len(insn.Opnds) > 0 && !insn.Opnds[0].IsNone() {
			e.move(regOpnd(arm64enc.X0, 64), insn.Opnds[0])
		}
		e.asm.Ret()
	case lir.OpCPush:
		e.asm.StrPre(e.toReg(insn.Opnds[0], scratch0), arm64enc.SP, -16)
	case lir.OpCPop:
		dst := e.destReg(insn.Out)
		e.asm.LdrPost(dst, arm64enc.SP, 16)
		e.storeOut(insn.Out, dst)
	case lir.OpCPopInto:
		e.asm.LdrPost(hw(insn.Opnds[0]), arm64enc.SP, 16)
	case lir.OpCPushAll:
		e.emitPushAll()
	case lir.OpCPopAll:
		e.emitPopAll()
	case lir.OpFrameSetup:
		e.emitFrameSetup(insn)
	case lir.OpFrameTeardown:
		e.emitFrameTeardown(insn)

	case lir.OpIncrCounter:
		base, off := e.memBase(insn.Opnds[0])
		addr := base
		if off != 0 {
			e.addOffset(addrScratch, base, off)
			addr = addrScratch
		}
		value := e.toReg(insn.Opnds[1], scratch0)
		e.asm.Ldaddal(value, arm64enc.XZR, addr)
	case lir.OpComment:
		e.cb.AddComment(insn.Text)
	case lir.OpBreakpoint:
		e.asm.Brk(0xf000)
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
func hw(o lir.Opnd) arm64enc.Reg {
	return arm64enc.Reg(o.Reg.No)
}

// regOpnd 编码寄存器对应的 LIR 操作数
func regOpnd(r arm64enc.Reg, bits uint8) lir.Opnd {
	return lir.NewReg(lir.Reg{No: uint8(r), Bits: bits})
}

// opndBits 运算宽度：8/16 位运算按 32 位执行
func opndBits(o lir.Opnd) uint8 {
	if o.NumBits() == 64 || o.NumBits() == 0 {
		return 64
	}
	return 32
}

// spillOffset 栈槽相对 X29 的偏移
func (e *emitter) spillOffset(slot int) int32 {
	if e.frame == nil {
		panic(fmt.Sprintf("stack slot %d used without a frame", slot))
	}
	return -16*int32(e.frame.preserved) - 8*int32(slot+1)
}

// memBase 内存操作数的基址寄存器与偏移
func (e *emitter) memBase(o lir.Opnd) (arm64enc.Reg, int32) {
	m := o.Mem
	switch {
	case !o.IsMem():
		panic(fmt.Sprintf("expected a memory operand, got %s", o))
	case m.Base.Kind == lir.BaseReg:
		return arm64enc.Reg(m.Base.Reg), m.Disp
	case m.Base.Kind == lir.BaseStack:
		return arm64enc.X29, e.spillOffset(m.Base.Idx) + m.Disp
	}
	panic(fmt.Sprintf("memory operand %s was not allocated", o))
}

// memAddr 返回可直接编码的基址和偏移，偏移过大时先计算到 X15
func (e *emitter) memAddr(o lir.Opnd) (arm64enc.Reg, int32) {
	base, off := e.memBase(o)
	if arm64enc.MemOffsetEncodable(o.Mem.Bits, off) {
		return base, off
	}
	e.addOffset(addrScratch, base, off)
	return addrScratch, 0
}

// addOffset dst = base + off
func (e *emitter) addOffset(dst, base arm64enc.Reg, off int32) {
	switch {
	case off >= 0 && off <= 4095:
		e.asm.AddImm(dst, base, uint32(off), 64)
	case off < 0 && -off <= 4095:
		e.asm.SubImm(dst, base, uint32(-off), 64)
	default:
		e.asm.MovImm(addrScratch, uint64(int64(off)))
		e.asm.Add(dst, base, addrScratch, 64)
	}
}

// loadImm 加载立即数，堆对象放在字面量池中并记录位置
func (e *emitter) loadImm(dst arm64enc.Reg, o lir.Opnd) {
	if o.Kind == lir.OpndValue && e.b.model.IsHeapObject(lir.Value(o.Imm)) {
		pos := e.asm.LdrLiteral64(dst, o.Imm)
		e.gcOffsets = append(e.gcOffsets, e.cb.Ptr(pos))
		return
	}
	e.asm.MovImm(dst, o.Imm)
}

// toReg 操作数不在寄存器中时装入 scratch
func (e *emitter) toReg(o lir.Opnd, scratch arm64enc.Reg) arm64enc.Reg {
	if o.IsReg() {
		return hw(o)
	}
	e.move(regOpnd(scratch, 64), o)
	return scratch
}

// destReg 结果寄存器：输出在栈槽时使用 X17，之后再存回
func (e *emitter) destReg(out lir.Opnd) arm64enc.Reg {
	if out.IsReg() {
		return hw(out)
	}
	return scratch0
}

// storeOut 把 dst 中的结果写回输出位置
func (e *emitter) storeOut(out lir.Opnd, dst arm64enc.Reg) {
	if out.IsReg() && hw(out) == dst {
		return
	}
	e.move(out, regOpnd(dst, 64))
}

// move 通用移动 dst <- src
func (e *emitter) move(dst, src lir.Opnd) {
	switch {
	case dst.IsReg():
		d := hw(dst)
		switch {
		case src.IsReg():
			if !src.Reg.SameAs(dst.Reg) {
				e.asm.MovReg(d, hw(src), 64)
			}
		case src.IsMem():
			base, off := e.memAddr(src)
			e.asm.Ldr(d, base, off, src.Mem.Bits)
		case src.IsImm():
			e.loadImm(d, src)
		default:
			panic(fmt.Sprintf("cannot move %s into %s", src, dst))
		}

	case dst.IsMem():
		var r arm64enc.Reg
		switch {
		case src.IsReg():
			r = hw(src)
		case src.IsImm() && src.Imm == 0:
			r = arm64enc.XZR
		default:
			r = e.toReg(src, scratch0)
		}
		base, off := e.memAddr(dst)
		e.asm.Str(r, base, off, dst.Mem.Bits)

	default:
		panic(fmt.Sprintf("invalid move destination: %s", dst))
	}
}

// ============================================================================
// 算术与位运算
// ============================================================================

// emitAddSub 总是设置标志位，Jo 使用 V 标志
func (e *emitter) emitAddSub(insn *lir.Insn, sub bool) {
	left, right, out := insn.Opnds[0], insn.Opnds[1], insn.Out
	bits := opndBits(out)
	dst := e.destReg(out)
	l := e.toReg(left, scratch0)

	if imm12(right) {
		if sub {
			e.asm.SubsImm(dst, l, uint32(right.Imm), bits)
		} else {
			e.asm.AddsImm(dst, l, uint32(right.Imm), bits)
		}
	} else {
		r := e.toReg(right, scratch1)
		if sub {
			e.asm.Subs(dst, l, r, bits)
		} else {
			e.asm.Adds(dst, l, r, bits)
		}
	}
	e.storeOut(out, dst)
}

func (e *emitter) emitLogical(insn *lir.Insn, op func(dst, src1, src2 arm64enc.Reg, bits uint8)) {
	out := insn.Out
	dst := e.destReg(out)
	l := e.toReg(insn.Opnds[0], scratch0)
	r := e.toReg(insn.Opnds[1], scratch1)
	op(dst, l, r, opndBits(out))
	e.storeOut(out, dst)
}

// emitMul 需要溢出检查时比较高 64 位与低 64 位的符号扩展
//
//	smulh x15, l, r
//	mul   dst, l, r
//	asr   x14, dst, #63
//	cmp   x15, x14      ; 不等即溢出，JoMul 使用 b.ne
func (e *emitter) emitMul(insn *lir.Insn, checkOverflow bool) {
	out := insn.Out
	bits := opndBits(out)
	dst := e.destReg(out)
	l := e.toReg(insn.Opnds[0], scratch0)
	r := e.toReg(insn.Opnds[1], scratch1)
	if !checkOverflow {
		e.asm.Mul(dst, l, r, bits)
		e.storeOut(out, dst)
		return
	}
	if bits != 64 {
		panic(unsupported(insn, "overflow checked multiplication must be 64 bits"))
	}
	e.asm.Smulh(addrScratch, l, r)
	e.asm.Mul(dst, l, r, 64)
	e.asm.AsrImm(scratch1, dst, 63, 64)
	e.asm.Cmp(addrScratch, scratch1, 64)
	e.storeOut(out, dst)
}

func (e *emitter) emitShift(insn *lir.Insn) {
	opnd, shift, out := insn.Opnds[0], insn.Opnds[1], insn.Out
	bits := opndBits(out)
	dst := e.destReg(out)
	src := e.toReg(opnd, scratch0)

	if shift.Kind == lir.OpndImm || shift.Kind == lir.OpndUImm {
		amount := uint32(shift.Imm & uint64(bits-1))
		switch insn.Op {
		case lir.OpLShift:
			e.asm.LslImm(dst, src, amount, bits)
		case lir.OpRShift:
			e.asm.AsrImm(dst, src, amount, bits)
		default:
			e.asm.LsrImm(dst, src, amount, bits)
		}
	} else {
		amount := e.toReg(shift, scratch1)
		switch insn.Op {
		case lir.OpLShift:
			e.asm.Lslv(dst, src, amount, bits)
		case lir.OpRShift:
			e.asm.Asrv(dst, src, amount, bits)
		default:
			e.asm.Lsrv(dst, src, amount, bits)
		}
	}
	e.storeOut(out, dst)
}

// ============================================================================
// 数据移动
// ============================================================================

func (e *emitter) emitLoadSExt(insn *lir.Insn) {
	opnd, out := insn.Opnds[0], insn.Out
	dst := e.destReg(out)
	switch {
	case opnd.IsMem() && opnd.Mem.Bits == 32:
		base, off := e.memAddr(opnd)
		e.asm.Ldrsw(dst, base, off)
	case opnd.IsReg() && opnd.Reg.Bits == 32:
		e.asm.Sxtw(dst, hw(opnd))
	default:
		e.move(regOpnd(dst, 64), opnd)
	}
	e.storeOut(out, dst)
}

func (e *emitter) emitLeaJumpTarget(insn *lir.Insn) {
	dst := e.destReg(insn.Out)
	t := insn.Target
	switch t.Kind {
	case lir.TargetLabel:
		e.asm.Adr(dst, e.labels[t.Label])
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

func cselCond(op lir.Op) arm64enc.Cond {
	switch op {
	case lir.OpCSelE, lir.OpCSelZ:
		return arm64enc.CondEQ
	case lir.OpCSelNE, lir.OpCSelNZ:
		return arm64enc.CondNE
	case lir.OpCSelL:
		return arm64enc.CondLT
	case lir.OpCSelLE:
		return arm64enc.CondLE
	case lir.OpCSelG:
		return arm64enc.CondGT
	case lir.OpCSelGE:
		return arm64enc.CondGE
	}
	panic(fmt.Sprintf("not a conditional select: %s", op))
}

// ============================================================================
// 跳转
// ============================================================================

func jumpCond(op lir.Op) arm64enc.Cond {
	switch op {
	case lir.OpJe, lir.OpJz:
		return arm64enc.CondEQ
	case lir.OpJne, lir.OpJnz:
		return arm64enc.CondNE
	case lir.OpJl:
		return arm64enc.CondLT
	case lir.OpJle:
		return arm64enc.CondLE
	case lir.OpJg:
		return arm64enc.CondGT
	case lir.OpJge:
		return arm64enc.CondGE
	case lir.OpJb:
		return arm64enc.CondLO
	case lir.OpJbe:
		return arm64enc.CondLS
	case lir.OpJo:
		return arm64enc.CondVS
	case lir.OpJoMul:
		// 乘法溢出检查的 cmp 结果
		return arm64enc.CondNE
	}
	panic(fmt.Sprintf("not a conditional jump: %s", op))
}

// emitJump cond 为 CondAL 时是无条件跳转
func (e *emitter) emitJump(insn *lir.Insn, cond arm64enc.Cond) {
	t := insn.Target
	switch t.Kind {
	case lir.TargetLabel:
		if cond == arm64enc.CondAL {
			e.asm.B(e.labels[t.Label])
		} else {
			e.asm.Bcond(cond, e.labels[t.Label])
		}
	case lir.TargetCodePtr:
		if cond == arm64enc.CondAL {
			e.asm.BPtr(t.Ptr)
		} else {
			e.asm.BcondPtr(cond, t.Ptr)
		}
	default:
		panic(fmt.Sprintf("side exit target reached the emitter: %s", insn))
	}
}

// emitJumpIfZero 标签目标使用 cbz/cbnz，固定地址使用 cmp + b.cond
func (e *emitter) emitJumpIfZero(insn *lir.Insn) {
	opnd := insn.Opnds[0]
	bits := opndBits(opnd)
	r := e.toReg(opnd, scratch0)
	t := insn.Target

	if t.Kind == lir.TargetLabel {
		if insn.Op == lir.OpJoz {
			e.asm.Cbz(r, e.labels[t.Label], bits)
		} else {
			e.asm.Cbnz(r, e.labels[t.Label], bits)
		}
		return
	}
	e.asm.CmpImm(r, 0, bits)
	cond := arm64enc.CondEQ
	if insn.Op == lir.OpJonz {
		cond = arm64enc.CondNE
	}
	e.emitJump(insn, cond)
}

// ============================================================================
// 栈与帧
// ============================================================================

// emitPushAll 成对保存调用者保存寄存器，最后保存 NZCV
func (e *emitter) emitPushAll() {
	saved := e.b.platform.CallerSaved
	for i := 0; i < len(saved); i += 2 {
		if i+1 < len(saved) {
			e.asm.StpPre(hw(lir.NewReg(saved[i])), hw(lir.NewReg(saved[i+1])), arm64enc.SP, -16)
		} else {
			e.asm.StrPre(hw(lir.NewReg(saved[i])), arm64enc.SP, -16)
		}
	}
	e.asm.MrsNZCV(arm64enc.X16)
	e.asm.StrPre(arm64enc.X16, arm64enc.SP, -16)
}

// emitPopAll 按相反顺序恢复
func (e *emitter) emitPopAll() {
	e.asm.LdrPost(arm64enc.X16, arm64enc.SP, 16)
	e.asm.MsrNZCV(arm64enc.X16)
	saved := e.b.platform.CallerSaved
	start := len(saved) - 2
	if len(saved)%2 == 1 {
		e.asm.LdrPost(hw(lir.NewReg(saved[len(saved)-1])), arm64enc.SP, 16)
		start = len(saved) - 3
	}
	for i := start; i >= 0; i -= 2 {
		e.asm.LdpPost(hw(lir.NewReg(saved[i])), hw(lir.NewReg(saved[i+1])), arm64enc.SP, 16)
	}
}

func align16(n int) int {
	return (n + 15) &^ 15
}

// emitFrameSetup stp x29, x30, [sp, #-16]!; mov x29, sp; 保存寄存器; sub sp, sp, 栈槽空间
func (e *emitter) emitFrameSetup(insn *lir.Insn) {
	np := len(insn.Preserved)
	if e.frame == nil {
		e.frame = &frame{preserved: np, slots: insn.SlotCount}
	}
	e.asm.StpPre(arm64enc.X29, arm64enc.X30, arm64enc.SP, -16)
	e.asm.AddImm(arm64enc.X29, arm64enc.SP, 0, 64)
	for _, r := range insn.Preserved {
		e.asm.StrPre(arm64enc.Reg(r.No), arm64enc.SP, -16)
	}
	for size := align16(8 * insn.SlotCount); size > 0; {
		chunk := min(size, 4080)
		e.asm.SubImm(arm64enc.SP, arm64enc.SP, uint32(chunk), 64)
		size -= chunk
	}
}

// emitFrameTeardown sub sp, x29, #16*np; 恢复保存寄存器; ldp x29, x30, [sp], #16
func (e *emitter) emitFrameTeardown(insn *lir.Insn) {
	np := len(insn.Preserved)
	e.asm.SubImm(arm64enc.SP, arm64enc.X29, uint32(16*np), 64)
	for i := np - 1; i >= 0; i-- {
		e.asm.LdrPost(arm64enc.Reg(insn.Preserved[i].No), arm64enc.SP, 16)
	}
	e.asm.LdpPost(arm64enc.X29, arm64enc.X30, arm64enc.SP, 16)
}
