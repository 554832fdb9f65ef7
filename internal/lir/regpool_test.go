package lir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegisterPool(t *testing.T) {
	p := NewRegisterPool([]Reg{r(0), r(1), r(2)})

	a, _ := p.AllocReg(10)
	b, _ := p.AllocReg(11)
	if a.No != 0 || b.No != 1 {
		t.Fatalf("allocated r%d, r%d; want r0, r1", a.No, b.No)
	}
	p.DeallocReg(r(0))
	p.DeallocReg(r(0))

	// 宽度不同也视为同一个寄存器
	if v, ok := p.VRegFor(Reg{No: 1, Bits: 32}); !ok || v != 11 {
		t.Errorf("VRegFor(r1) = %d, %v", v, ok)
	}
	p.TakeReg(r(2), 12)
	want := []RegOwner{{Reg: r(1), VReg: 11}, {Reg: r(2), VReg: 12}}
	if diff := cmp.Diff(want, p.LiveRegs()); diff != "" {
		t.Errorf("live regs mismatch (-want +got):\n%s", diff)
	}

	c, ok := p.AllocReg(13)
	if !ok || c.No != 0 {
		t.Errorf("reallocated r%d, want r0", c.No)
	}
	if _, ok := p.AllocReg(14); ok {
		t.Errorf("allocated from an exhausted pool")
	}
	for _, reg := range []Reg{r(0), r(1), r(2)} {
		p.DeallocReg(reg)
	}
	if !p.IsEmpty() {
		t.Errorf("pool not empty after deallocating everything")
	}
}

func TestRegisterPoolPanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(p *RegisterPool)
	}{
		{"take taken", func(p *RegisterPool) {
			p.TakeReg(r(0), 1)
			p.TakeReg(r(0), 2)
		}},
		{"take foreign", func(p *RegisterPool) { p.TakeReg(r(5), 1) }},
		{"dealloc foreign", func(p *RegisterPool) { p.DeallocReg(r(5)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected a panic")
				}
			}()
			tt.fn(NewRegisterPool([]Reg{r(0)}))
		})
	}
}

func TestStackState(t *testing.T) {
	s := NewStackState(1)
	if got := s.AllocSlot(5); got != 1 {
		t.Fatalf("first slot = %d, want 1", got)
	}
	if got := s.AllocSlot(6); got != 2 {
		t.Fatalf("second slot = %d, want 2", got)
	}
	s.Free(1)
	if _, ok := s.Owner(1); ok {
		t.Errorf("slot 1 still owned after free")
	}
	if got := s.AllocSlot(7); got != 1 {
		t.Errorf("reused slot = %d, want 1", got)
	}
	if v, ok := s.Owner(1); !ok || v != 7 {
		t.Errorf("owner of slot 1 = %d, %v", v, ok)
	}
	if s.HighWater() != 3 {
		t.Errorf("high water = %d, want 3", s.HighWater())
	}

	s.Free(1)
	s.Free(2)
	if !s.IsEmpty() {
		t.Errorf("stack not empty after freeing every slot")
	}
	// 释放后最高水位不变
	if s.HighWater() != 3 {
		t.Errorf("high water after free = %d, want 3", s.HighWater())
	}
}

func TestStackStateFreeUnallocatedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()
	NewStackState(2).Free(0)
}

func TestLimitRegs(t *testing.T) {
	p := testPlatform(0)
	if got := p.LimitRegs(2); len(got.AllocRegs) != 2 || len(p.AllocRegs) != 3 {
		t.Errorf("LimitRegs(2) = %d regs, original %d", len(got.AllocRegs), len(p.AllocRegs))
	}
	if got := p.LimitRegs(10); got != p {
		t.Errorf("LimitRegs beyond the pool should return the platform unchanged")
	}
}
