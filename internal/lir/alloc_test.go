package lir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/novajit/internal/asm"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// 只有一个寄存器时第二个输入溢出到栈槽，输出复用第一个输入的寄存器
func TestAllocSpillsToStack(t *testing.T) {
	a := NewAssembler()
	a.FrameSetup(nil)
	in0 := a.Load(Imm(1))
	in1 := a.Load(Imm(2))
	out := a.Add(in0, in1)
	a.Store(MemOpnd(64, NewReg(r(10)), 0), out)
	a.FrameTeardown(nil)
	a.CRet(Imm(0))

	got := AllocRegs(a, testPlatform(1), zaptest.NewLogger(t))

	wantOps := []Op{OpFrameSetup, OpLoad, OpLoad, OpAdd, OpStore, OpFrameTeardown, OpCRet}
	if diff := cmp.Diff(wantOps, ops(got.Insns)); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}
	if got.Insns[0].SlotCount != 1 {
		t.Errorf("slot count = %d, want 1", got.Insns[0].SlotCount)
	}
	r0 := NewReg(r(0))
	if got.Insns[1].Out != r0 {
		t.Errorf("first load = %s, want r0", got.Insns[1].Out)
	}
	if got.Insns[2].Out != StackOpnd(0, 64) {
		t.Errorf("second load = %s, want stack slot 0", got.Insns[2].Out)
	}
	add := got.Insns[3]
	if diff := cmp.Diff([]Opnd{r0, StackOpnd(0, 64)}, add.Opnds); diff != "" {
		t.Errorf("add operands mismatch (-want +got):\n%s", diff)
	}
	if add.Out != r0 {
		t.Errorf("add output = %s, want r0", add.Out)
	}
	if got.Insns[4].Opnds[1] != r0 {
		t.Errorf("store source = %s, want r0", got.Insns[4].Opnds[1])
	}
}

// 返回值寄存器上的活跃值先被搬走，然后保存所有活跃寄存器并补齐对齐
func TestAllocAroundCCall(t *testing.T) {
	a := NewAssembler()
	v := a.Load(Imm(1))
	ret := a.CCall(0x10, Imm(5))
	a.Add(v, ret)

	got := AllocRegs(a, testPlatform(2), nil)

	wantOps := []Op{OpLoad, OpMov, OpCPush, OpCPush, OpCCall, OpCPopInto, OpCPopInto, OpAdd}
	if diff := cmp.Diff(wantOps, ops(got.Insns)); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}
	mov := got.Insns[1]
	if mov.Opnds[0].Reg.No != 1 || mov.Opnds[1].Reg.No != 0 {
		t.Errorf("evacuation = %s, want r1 <- r0", &mov)
	}
	for _, i := range []int{2, 3, 5, 6} {
		if got.Insns[i].Opnds[0].Reg.No != 1 {
			t.Errorf("insn %d = %s, want r1", i, &got.Insns[i])
		}
	}
	if got.Insns[4].Out.Reg.No != 0 {
		t.Errorf("call result = %s, want r0", got.Insns[4].Out)
	}
	add := got.Insns[7]
	if add.Opnds[0].Reg.No != 1 || add.Opnds[1].Reg.No != 0 || add.Out.Reg.No != 1 {
		t.Errorf("add = %s, want r1 = r1 + r0", &add)
	}
}

// 调用起止标记紧贴调用指令
func TestAllocCCallMarkers(t *testing.T) {
	a := NewAssembler()
	v := a.Load(Imm(1))
	nop := PosMarkerFunc(func(virtualmem.CodePtr, *asm.CodeBlock) {})
	ret := a.CCallWithMarkers(0x10, nil, nop, nop)
	a.Add(v, ret)

	got := AllocRegs(a, testPlatform(0), nil)
	for i := range got.Insns {
		if got.Insns[i].Op != OpCCall {
			continue
		}
		if got.Insns[i-1].Op != OpPosMarker || got.Insns[i+1].Op != OpPosMarker {
			t.Fatalf("call at %d is not wrapped in markers:\n%s", i, got)
		}
		if got.Insns[i].StartMarker != nil || got.Insns[i].EndMarker != nil {
			t.Errorf("markers were left on the call")
		}
		return
	}
	t.Fatalf("no call in output:\n%s", got)
}

func TestAllocParallelMoveCycle(t *testing.T) {
	a := NewAssembler()
	a.ParallelMov([]Move{
		{Dest: NewReg(r(0)), Src: NewReg(r(1))},
		{Dest: NewReg(r(1)), Src: NewReg(r(0))},
	})

	got := AllocRegs(a, testPlatform(0), nil)
	want := []Insn{
		{Op: OpLoadInto, Opnds: []Opnd{NewReg(r(9)), NewReg(r(1))}},
		{Op: OpLoadInto, Opnds: []Opnd{NewReg(r(1)), NewReg(r(0))}},
		{Op: OpLoadInto, Opnds: []Opnd{NewReg(r(0)), NewReg(r(9))}},
	}
	if diff := cmp.Diff(want, got.Insns); diff != "" {
		t.Fatalf("moves mismatch (-want +got):\n%s", diff)
	}
}

// 栈槽上的内存基址先加载到临时寄存器
func TestAllocSpilledMemoryBase(t *testing.T) {
	a := NewAssembler()
	base := a.Load(UImm(0x1000))
	a.Store(MemOpnd(64, base, 8), Imm(3))

	got := AllocRegs(a, testPlatform(1), nil)
	// 一个寄存器时 base 仍在寄存器中
	if got.Insns[1].Opnds[0].Mem.Base.Kind != BaseReg || got.Insns[1].Opnds[0].Mem.Base.Reg != 0 {
		t.Fatalf("store = %s, want base r0", &got.Insns[1])
	}

	a = NewAssembler()
	keep := a.Load(Imm(1))
	base = a.Load(UImm(0x1000))
	a.Store(MemOpnd(64, base, 8), keep)

	got = AllocRegs(a, testPlatform(1), nil)
	wantOps := []Op{OpLoad, OpLoad, OpLoadInto, OpStore}
	if diff := cmp.Diff(wantOps, ops(got.Insns)); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}
	if got.Insns[2].Opnds[0].Reg.No != 9 {
		t.Errorf("base reload = %s, want scratch r9", &got.Insns[2])
	}
	if m := got.Insns[3].Opnds[0].Mem; m.Base.Kind != BaseReg || m.Base.Reg != 9 || m.Disp != 8 {
		t.Errorf("store = %s, want [r9+8]", &got.Insns[3])
	}
}

func TestAllocStackBase(t *testing.T) {
	a := NewAssembler()
	a.StackBase = 2
	a.FrameSetup(nil)
	v0 := a.Load(Imm(1))
	v1 := a.Load(Imm(2))
	a.Add(v0, v1)

	got := AllocRegs(a, testPlatform(1), nil)
	if got.Insns[2].Out != StackOpnd(2, 64) {
		t.Errorf("spill = %s, want slot 2", got.Insns[2].Out)
	}
	if got.Insns[0].SlotCount != 3 {
		t.Errorf("slot count = %d, want 3", got.Insns[0].SlotCount)
	}
}

// 分配后源与目的相同的移动不发射
func TestAllocDropsSelfMoves(t *testing.T) {
	a := NewAssembler()
	v := a.Load(Imm(1))
	a.LoadInto(NewReg(r(0)), v)
	w := a.Load(Imm(2))
	a.Mov(NewReg(r(0)), w)
	a.CRet(NewReg(r(0)))

	got := AllocRegs(a, testPlatform(0), nil)
	wantOps := []Op{OpLoad, OpLoad, OpCRet}
	if diff := cmp.Diff(wantOps, ops(got.Insns)); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}

	// 源位于其他寄存器时保留
	a = NewAssembler()
	keep := a.Load(Imm(1))
	v = a.Load(Imm(2))
	a.LoadInto(NewReg(r(2)), v)
	a.Mov(NewReg(r(2)), keep)
	a.CRet(NewReg(r(2)))

	got = AllocRegs(a, testPlatform(0), nil)
	want := []Insn{
		{Op: OpLoad, Opnds: []Opnd{Imm(1)}, Out: NewReg(r(0))},
		{Op: OpLoad, Opnds: []Opnd{Imm(2)}, Out: NewReg(r(1))},
		{Op: OpLoadInto, Opnds: []Opnd{NewReg(r(2)), NewReg(r(1))}},
		{Op: OpMov, Opnds: []Opnd{NewReg(r(2)), NewReg(r(0))}},
		{Op: OpCRet, Opnds: []Opnd{NewReg(r(2))}},
	}
	if diff := cmp.Diff(want, got.Insns); diff != "" {
		t.Fatalf("moves mismatch (-want +got):\n%s", diff)
	}
}
