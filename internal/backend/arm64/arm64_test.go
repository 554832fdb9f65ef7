package arm64

import (
	"encoding/binary"
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/tangzhangming/novajit/internal/asm"
	arm64enc "github.com/tangzhangming/novajit/internal/asm/arm64"
	"github.com/tangzhangming/novajit/internal/errors"
	"github.com/tangzhangming/novajit/internal/lir"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// pipeline 拆分、分配、编译侧出口、发射并链接
func pipeline(t *testing.T, a *lir.Assembler, numRegs int) (*lir.Assembler, *asm.CodeBlock, []virtualmem.CodePtr, lir.SideExitStats) {
	t.Helper()
	b := New(nil)
	p := b.Platform().LimitRegs(numRegs)
	allocated := lir.AllocRegs(b.Split(a), p, nil)
	stats := lir.CompileSideExits(allocated, p, lir.SideExitOptions{})
	cb := asm.NewDummy(4096)
	gc := b.Emit(allocated, cb)
	cb.LinkLabels()
	if cb.HasDroppedBytes() {
		t.Fatalf("code block dropped bytes")
	}
	return allocated, cb, gc, stats
}

// words 把代码块内容按 32 位指令拆开
func words(cb *asm.CodeBlock) []uint32 {
	b := cb.Bytes(0, cb.WritePos())
	out := make([]uint32, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(b[i:]))
	}
	return out
}

// expect 用编码器直接生成期望的机器码
func expect(emit func(a *arm64enc.Assembler, cb *asm.CodeBlock)) []uint32 {
	cb := asm.NewDummy(4096)
	emit(arm64enc.New(cb), cb)
	cb.LinkLabels()
	return words(cb)
}

// decodeAll 确认每条指令都能被反汇编
func decodeAll(t *testing.T, code []uint32) {
	t.Helper()
	buf := make([]byte, 4)
	for i, w := range code {
		binary.LittleEndian.PutUint32(buf, w)
		if _, err := arm64asm.Decode(buf); err != nil {
			t.Errorf("decode word %d (%#08x): %v", i, w, err)
		}
	}
}

func sp() lir.Opnd {
	return lir.NewReg(Platform().SP)
}

func x(r arm64enc.Reg) lir.Opnd {
	return lir.NewReg(reg(r))
}

// 只有一个可分配寄存器时，第二个输入溢出到栈槽 0，输出复用第一个输入的寄存器
func TestSpillWithSingleRegister(t *testing.T) {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	in0 := a.Load(lir.Imm(1))
	in1 := a.Load(lir.Imm(2))
	out := a.Add(in0, in1)
	a.Store(lir.MemOpnd(64, sp(), 0), out)
	a.FrameTeardown(nil)
	a.CRet(lir.Imm(0))

	allocated, cb, _, _ := pipeline(t, a, 1)

	if got := allocated.Insns[0].SlotCount; got != 1 {
		t.Errorf("frame slot count = %d, want 1", got)
	}
	add := allocated.Insns[3]
	if add.Op != lir.OpAdd {
		t.Fatalf("insn 3 is %s, want Add", add.Op)
	}
	if diff := cmp.Diff([]lir.Opnd{x(arm64enc.X0), lir.StackOpnd(0, 64)}, add.Opnds); diff != "" {
		t.Errorf("Add operands mismatch (-want +got):\n%s", diff)
	}

	want := expect(func(e *arm64enc.Assembler, _ *asm.CodeBlock) {
		e.StpPre(arm64enc.X29, arm64enc.X30, arm64enc.SP, -16)
		e.AddImm(arm64enc.X29, arm64enc.SP, 0, 64)
		e.SubImm(arm64enc.SP, arm64enc.SP, 16, 64)
		e.MovImm(arm64enc.X0, 1)
		e.MovImm(arm64enc.X17, 2)
		e.Str(arm64enc.X17, arm64enc.X29, -8, 64)
		e.Ldr(arm64enc.X14, arm64enc.X29, -8, 64)
		e.Adds(arm64enc.X0, arm64enc.X0, arm64enc.X14, 64)
		e.Str(arm64enc.X0, arm64enc.X21, 0, 64)
		e.SubImm(arm64enc.SP, arm64enc.X29, 0, 64)
		e.LdpPost(arm64enc.X29, arm64enc.X30, arm64enc.SP, 16)
		e.MovImm(arm64enc.X0, 0)
		e.Ret()
	})
	got := words(cb)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("code mismatch (-want +got):\n%s", diff)
	}
	decodeAll(t, got)
}

// 占用 X0 的活跃值在调用前被搬走并保存，返回值留在 X0
func TestCCallSavesLiveRegisters(t *testing.T) {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	v := a.Load(lir.Imm(7))
	r := a.CCall(0x1234, v, lir.Imm(3))
	sum := a.Add(v, r)
	a.FrameTeardown(nil)
	a.CRet(sum)

	_, cb, _, _ := pipeline(t, a, 0)
	want := expect(func(e *arm64enc.Assembler, _ *asm.CodeBlock) {
		e.StpPre(arm64enc.X29, arm64enc.X30, arm64enc.SP, -16)
		e.AddImm(arm64enc.X29, arm64enc.SP, 0, 64)
		e.MovImm(arm64enc.X0, 7)
		e.MovReg(arm64enc.X1, arm64enc.X0, 64)
		e.StrPre(arm64enc.X1, arm64enc.SP, -16)
		e.MovReg(arm64enc.X0, arm64enc.X1, 64)
		e.MovImm(arm64enc.X1, 3)
		e.MovImm(arm64enc.X17, 0x1234)
		e.Blr(arm64enc.X17)
		e.LdrPost(arm64enc.X1, arm64enc.SP, 16)
		e.Adds(arm64enc.X1, arm64enc.X1, arm64enc.X0, 64)
		e.SubImm(arm64enc.SP, arm64enc.X29, 0, 64)
		e.LdpPost(arm64enc.X29, arm64enc.X30, arm64enc.SP, 16)
		e.MovReg(arm64enc.X0, arm64enc.X1, 64)
		e.Ret()
	})
	if diff := cmp.Diff(want, words(cb)); diff != "" {
		t.Fatalf("code mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitImmediates(t *testing.T) {
	a := lir.NewAssembler()
	v := a.Load(lir.Imm(1))
	a.Add(v, lir.Imm(4095))
	a.Sub(v, lir.Imm(4096))
	a.And(v, lir.Imm(1))
	a.Cmp(v, lir.Imm(-1))

	split := New(nil).Split(a)
	var ops []lir.Op
	for _, insn := range split.Insns {
		ops = append(ops, insn.Op)
	}
	want := []lir.Op{
		lir.OpLoad,
		lir.OpAdd,
		lir.OpLoad, lir.OpSub,
		lir.OpLoad, lir.OpAnd,
		lir.OpLoad, lir.OpCmp,
	}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("split mismatch (-want +got):\n%s", diff)
	}
	if split.Insns[1].Opnds[1] != lir.Imm(4095) {
		t.Errorf("imm12 operand was rewritten: %s", &split.Insns[1])
	}
	for _, i := range []int{3, 5, 7} {
		if !split.Insns[i].Opnds[1].IsVReg() {
			t.Errorf("operand was not loaded: %s", &split.Insns[i])
		}
	}
}

// ldaddal 只接受 [Xn]，带偏移的计数器地址先计算出来
func TestSplitIncrCounter(t *testing.T) {
	a := lir.NewAssembler()
	base := a.Load(lir.UImm(0x8000))
	a.IncrCounter(lir.MemOpnd(64, base, 16), lir.Imm(1))

	split := New(nil).Split(a)
	var ops []lir.Op
	for _, insn := range split.Insns {
		ops = append(ops, insn.Op)
	}
	want := []lir.Op{lir.OpLoad, lir.OpLea, lir.OpLoad, lir.OpIncrCounter}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("split mismatch (-want +got):\n%s", diff)
	}
	incr := split.Insns[3]
	if m := incr.Opnds[0]; !m.IsMem() || m.Mem.Base.Kind != lir.BaseVReg || m.Mem.Disp != 0 {
		t.Errorf("counter address = %s, want [vreg+0]", m)
	}
}

func TestSplitTooManyArgumentsPanics(t *testing.T) {
	defer func() {
		var ue *errors.UnsupportedLoweringError
		err, _ := recover().(error)
		if !stderrors.As(err, &ue) || ue.Op != "CCall" || ue.Platform != Name {
			t.Fatalf("recovered %v, want an unsupported CCall lowering", err)
		}
	}()
	a := lir.NewAssembler()
	args := make([]lir.Opnd, 9)
	for i := range args {
		args[i] = lir.Imm(int64(i))
	}
	a.CCall(0x10, args...)
	New(nil).Split(a)
}

func TestHeapValueRecordsGCOffset(t *testing.T) {
	model := lir.DefaultObjectModel()
	a := lir.NewAssembler()
	a.Mov(x(arm64enc.X0), lir.ValueOpnd(0x1000))
	a.Mov(x(arm64enc.X1), lir.ValueOpnd(model.Qnil))

	cb := asm.NewDummy(4096)
	gc := New(model).Emit(a, cb)
	if len(gc) != 1 {
		t.Fatalf("got %d gc offsets, want 1", len(gc))
	}
	// ldr + b 之后是 8 字节常量
	if gc[0].Offset() != 8 {
		t.Errorf("gc offset = %d, want 8", gc[0].Offset())
	}
	if got := binary.LittleEndian.Uint64(cb.Bytes(8, 16)); got != 0x1000 {
		t.Errorf("literal = %#x, want 0x1000", got)
	}
}

func TestFrameLayout(t *testing.T) {
	a := lir.NewAssembler()
	preserved := []lir.Reg{reg(arm64enc.X19)}
	a.PushInsn(lir.Insn{Op: lir.OpFrameSetup, Preserved: preserved, SlotCount: 3})
	a.Store(lir.StackOpnd(2, 64), x(arm64enc.X0))
	a.Store(lir.StackOpnd(40, 64), x(arm64enc.X1))
	a.FrameTeardown(preserved)
	a.CRet(lir.None)

	cb := asm.NewDummy(4096)
	New(nil).Emit(a, cb)
	want := expect(func(e *arm64enc.Assembler, _ *asm.CodeBlock) {
		e.StpPre(arm64enc.X29, arm64enc.X30, arm64enc.SP, -16)
		e.AddImm(arm64enc.X29, arm64enc.SP, 0, 64)
		e.StrPre(arm64enc.X19, arm64enc.SP, -16)
		// 3 个栈槽对齐到 32 字节
		e.SubImm(arm64enc.SP, arm64enc.SP, 32, 64)
		// 槽 2: -16 - 24
		e.Str(arm64enc.X0, arm64enc.X29, -40, 64)
		// 槽 40 超出 ldur 范围，先计算地址
		e.SubImm(arm64enc.X15, arm64enc.X29, 16+8*41, 64)
		e.Str(arm64enc.X1, arm64enc.X15, 0, 64)
		e.SubImm(arm64enc.SP, arm64enc.X29, 16, 64)
		e.LdrPost(arm64enc.X19, arm64enc.SP, 16)
		e.LdpPost(arm64enc.X29, arm64enc.X30, arm64enc.SP, 16)
		e.Ret()
	})
	got := words(cb)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("code mismatch (-want +got):\n%s", diff)
	}
	decodeAll(t, got)
}

func TestStackSlotWithoutFramePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()
	a := lir.NewAssembler()
	a.Store(lir.StackOpnd(0, 64), x(arm64enc.X0))
	New(nil).Emit(a, asm.NewDummy(4096))
}

// 紧跟 JoMul 的乘法比较高 64 位与低 64 位的符号扩展
func TestMulOverflowCheck(t *testing.T) {
	a := lir.NewAssembler()
	ovf := a.NewLabel("overflow")
	a.PushInsn(lir.Insn{Op: lir.OpMul, Opnds: []lir.Opnd{x(arm64enc.X0), x(arm64enc.X1)}, Out: x(arm64enc.X2)})
	a.JoMul(ovf)
	a.PushInsn(lir.Insn{Op: lir.OpMul, Opnds: []lir.Opnd{x(arm64enc.X2), x(arm64enc.X3)}, Out: x(arm64enc.X4)})
	a.WriteLabel(ovf)
	a.CRet(lir.None)

	cb := asm.NewDummy(4096)
	New(nil).Emit(a, cb)
	cb.LinkLabels()
	want := expect(func(e *arm64enc.Assembler, cb *asm.CodeBlock) {
		l := cb.NewLabel("overflow")
		e.Smulh(arm64enc.X15, arm64enc.X0, arm64enc.X1)
		e.Mul(arm64enc.X2, arm64enc.X0, arm64enc.X1, 64)
		e.AsrImm(arm64enc.X14, arm64enc.X2, 63, 64)
		e.Cmp(arm64enc.X15, arm64enc.X14, 64)
		e.Bcond(arm64enc.CondNE, l)
		e.Mul(arm64enc.X4, arm64enc.X2, arm64enc.X3, 64)
		cb.WriteLabel(l)
		e.Ret()
	})
	if diff := cmp.Diff(want, words(cb)); diff != "" {
		t.Fatalf("code mismatch (-want +got):\n%s", diff)
	}
}

func TestShiftsAndSelect(t *testing.T) {
	a := lir.NewAssembler()
	a.PushInsn(lir.Insn{Op: lir.OpRShift, Opnds: []lir.Opnd{x(arm64enc.X0), lir.Imm(3)}, Out: x(arm64enc.X1)})
	a.PushInsn(lir.Insn{Op: lir.OpURShift, Opnds: []lir.Opnd{x(arm64enc.X0), x(arm64enc.X2)}, Out: x(arm64enc.X1)})
	a.PushInsn(lir.Insn{Op: lir.OpCmp, Opnds: []lir.Opnd{x(arm64enc.X0), lir.Imm(5)}})
	a.PushInsn(lir.Insn{Op: lir.OpCSelL, Opnds: []lir.Opnd{x(arm64enc.X1), x(arm64enc.X2)}, Out: x(arm64enc.X3)})

	cb := asm.NewDummy(4096)
	New(nil).Emit(a, cb)
	want := expect(func(e *arm64enc.Assembler, _ *asm.CodeBlock) {
		e.AsrImm(arm64enc.X1, arm64enc.X0, 3, 64)
		e.Lsrv(arm64enc.X1, arm64enc.X0, arm64enc.X2, 64)
		e.CmpImm(arm64enc.X0, 5, 64)
		e.Csel(arm64enc.X3, arm64enc.X1, arm64enc.X2, arm64enc.CondLT, 64)
	})
	got := words(cb)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("code mismatch (-want +got):\n%s", diff)
	}
	decodeAll(t, got)
}

// bcondTarget 返回 b.cond 的目标字索引
func bcondTarget(i int, w uint32) (int, bool) {
	if w&0xFF000010 != 0x54000000 {
		return 0, false
	}
	imm := int32(w<<8) >> 13
	return i + int(imm), true
}

// 两个快照相同的守卫跳到同一个出口
func TestSharedSideExit(t *testing.T) {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	v := a.Load(lir.Imm(5))
	a.Cmp(v, lir.Imm(3))
	a.Jne(lir.SideExitTarget(&lir.SideExit{PC: 0x40, Stack: []lir.Opnd{lir.Imm(1)}, Reason: lir.ExitGuardType}))
	a.Jl(lir.SideExitTarget(&lir.SideExit{PC: 0x40, Stack: []lir.Opnd{lir.Imm(1)}, Reason: lir.ExitGuardShape}))
	a.FrameTeardown(nil)
	a.CRet(lir.Imm(0))

	_, cb, _, stats := pipeline(t, a, 0)
	if stats.Guards != 2 || stats.Stubs != 1 {
		t.Fatalf("stats = %+v, want 2 guards and 1 stub", stats)
	}

	code := words(cb)
	var targets []int
	for i, w := range code {
		if target, ok := bcondTarget(i, w); ok {
			targets = append(targets, target)
		}
	}
	if len(targets) != 2 || targets[0] != targets[1] {
		t.Fatalf("guard targets = %v, want one shared stub", targets)
	}
	if code[len(code)-1] != 0xD65F03C0 {
		t.Errorf("stub does not end with ret")
	}
}
