package lir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func r(no uint8) Reg {
	return Reg{No: no, Bits: 64}
}

// testPlatform 三个可分配寄存器的测试平台，n 限制可用数量
func testPlatform(n int) *Platform {
	p := &Platform{
		Name:        "test",
		AllocRegs:   []Reg{r(0), r(1), r(2)},
		CArgRegs:    []Reg{r(0), r(1)},
		CRetReg:     r(0),
		Scratch:     r(9),
		StackPtr:    r(15),
		FramePtr:    r(14),
		SP:          r(10),
		CFP:         r(11),
		EC:          r(12),
		CallerSaved: []Reg{r(0), r(1), r(2)},
		AlignPushes: true,
	}
	return p.LimitRegs(n)
}

func ops(insns []Insn) []Op {
	out := make([]Op, len(insns))
	for i := range insns {
		out[i] = insns[i].Op
	}
	return out
}

func TestLiveRanges(t *testing.T) {
	a := NewAssembler()
	v0 := a.Load(Imm(1))
	v1 := a.Load(Imm(2))
	v2 := a.Add(v0, v1)
	a.Store(MemOpnd(64, v2, 8), v0)

	want := []LiveRange{{0, 3}, {1, 2}, {2, 3}}
	if diff := cmp.Diff(want, a.LiveRanges); diff != "" {
		t.Errorf("live ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestForkKeepsVRegNumbering(t *testing.T) {
	a := NewAssembler()
	a.NewLabel("loop")
	v := a.Load(Imm(1))
	a.StackBase = 2

	f := a.Fork()
	if f.NumVRegs() != a.NumVRegs() || f.StackBase != 2 {
		t.Fatalf("fork has %d vregs and stack base %d", f.NumVRegs(), f.StackBase)
	}
	if diff := cmp.Diff(a.LabelNames, f.LabelNames); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if f.LiveRanges[0].Defined() {
		t.Errorf("fork carried a live range over")
	}
	f.PushInsn(a.Insns[0])
	if next := f.Load(v); next.Idx != 1 {
		t.Errorf("next vreg = v%d, want v1", next.Idx)
	}
}

func TestForkManyVRegs(t *testing.T) {
	a := NewAssembler()
	for i := 0; i < 300; i++ {
		a.NewVReg(64)
	}
	// 超过初始容量时不应 panic
	if f := a.Fork(); f.NumVRegs() != 300 {
		t.Errorf("fork has %d vregs, want 300", f.NumVRegs())
	}
}

func TestAssemblerPanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(a *Assembler)
	}{
		{"defined twice", func(a *Assembler) {
			v := a.Load(Imm(1))
			a.PushInsn(Insn{Op: OpLoad, Opnds: []Opnd{Imm(2)}, Out: v})
		}},
		{"used before definition", func(a *Assembler) {
			v := a.NewVReg(64)
			a.Add(v, Imm(1))
		}},
		{"foreign vreg", func(a *Assembler) {
			a.Add(VRegOpnd(7, 64), Imm(1))
		}},
		{"label with space", func(a *Assembler) {
			a.NewLabel("bad label")
		}},
		{"mixed widths", func(a *Assembler) {
			a.Add(NewReg(Reg{No: 0, Bits: 32}), NewReg(r(1)))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected a panic")
				}
			}()
			tt.fn(NewAssembler())
		})
	}
}

func TestLoadIntoSameRegisterIsDropped(t *testing.T) {
	a := NewAssembler()
	a.LoadInto(NewReg(r(3)), NewReg(r(3)))
	if len(a.Insns) != 0 {
		t.Errorf("got %d insns, want none", len(a.Insns))
	}
}
