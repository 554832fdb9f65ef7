// regpool.go - 寄存器池与栈槽回退
//
// RegisterPool 记录每个可分配寄存器当前属于哪个虚拟寄存器。
// 寄存器耗尽时，StackState 提供无上限的栈槽，并记录最高水位，
// 用于回填帧大小。

package lir

import "fmt"

// ============================================================================
// 寄存器池
// ============================================================================

// noOwner 位置空闲
const noOwner = -1

// RegisterPool 寄存器池
type RegisterPool struct {
	regs   []Reg
	owners []int // 每个寄存器的所有者虚拟寄存器，noOwner 表示空闲
	live   int
}

// NewRegisterPool 创建寄存器池
func NewRegisterPool(regs []Reg) *RegisterPool {
	owners := make([]int, len(regs))
	for i := range owners {
		owners[i] = noOwner
	}
	return &RegisterPool{regs: regs, owners: owners}
}

func (p *RegisterPool) indexOf(r Reg) int {
	for i, reg := range p.regs {
		if reg.SameAs(r) {
			return i
		}
	}
	return -1
}

// Contains 寄存器是否属于该池
func (p *RegisterPool) Contains(r Reg) bool {
	return p.indexOf(r) >= 0
}

// AllocReg 按顺序分配第一个空闲寄存器
func (p *RegisterPool) AllocReg(vreg int) (Reg, bool) {
	for i, owner := range p.owners {
		if owner == noOwner {
			p.owners[i] = vreg
			p.live++
			return p.regs[i], true
		}
	}
	return Reg{}, false
}

// TakeReg 分配指定寄存器，寄存器已被占用时 panic
func (p *RegisterPool) TakeReg(r Reg, vreg int) Reg {
	i := p.indexOf(r)
	if i < 0 {
		panic(fmt.Sprintf("unable to find register: %d", r.No))
	}
	if p.owners[i] != noOwner {
		panic(fmt.Sprintf("register %d already allocated for v%d", r.No, p.owners[i]))
	}
	p.owners[i] = vreg
	p.live++
	return p.regs[i]
}

// DeallocReg 归还寄存器，重复归还无副作用
func (p *RegisterPool) DeallocReg(r Reg) {
	i := p.indexOf(r)
	if i < 0 {
		panic(fmt.Sprintf("unable to find register: %d", r.No))
	}
	if p.owners[i] != noOwner {
		p.owners[i] = noOwner
		p.live--
	}
}

// RegOwner 寄存器与其所有者
type RegOwner struct {
	Reg  Reg
	VReg int
}

// LiveRegs 返回所有被占用的寄存器（按池顺序）
func (p *RegisterPool) LiveRegs() []RegOwner {
	out := make([]RegOwner, 0, p.live)
	for i, owner := range p.owners {
		if owner != noOwner {
			out = append(out, RegOwner{Reg: p.regs[i], VReg: owner})
		}
	}
	return out
}

// VRegFor 返回占用寄存器的虚拟寄存器
func (p *RegisterPool) VRegFor(r Reg) (int, bool) {
	i := p.indexOf(r)
	if i < 0 || p.owners[i] == noOwner {
		return 0, false
	}
	return p.owners[i], true
}

// IsEmpty 是否没有寄存器被占用
func (p *RegisterPool) IsEmpty() bool {
	return p.live == 0
}

// ============================================================================
// 栈槽
// ============================================================================

// StackState 栈槽分配状态
type StackState struct {
	base      int   // 预留槽数
	owners    []int // base 之后每个槽的所有者
	highWater int
}

// NewStackState 创建栈槽状态，前 base 个槽由上游预留
func NewStackState(base int) *StackState {
	return &StackState{base: base, highWater: base}
}

// AllocSlot 分配编号最小的空闲栈槽
func (s *StackState) AllocSlot(vreg int) int {
	for i, owner := range s.owners {
		if owner == noOwner {
			s.owners[i] = vreg
			return s.base + i
		}
	}
	s.owners = append(s.owners, vreg)
	slot := s.base + len(s.owners) - 1
	if slot+1 > s.highWater {
		s.highWater = slot + 1
	}
	return slot
}

// Free 释放栈槽
func (s *StackState) Free(slot int) {
	i := slot - s.base
	if i < 0 || i >= len(s.owners) {
		panic(fmt.Sprintf("freeing unallocated stack slot %d", slot))
	}
	s.owners[i] = noOwner
}

// Owner 返回栈槽的所有者
func (s *StackState) Owner(slot int) (int, bool) {
	i := slot - s.base
	if i < 0 || i >= len(s.owners) || s.owners[i] == noOwner {
		return 0, false
	}
	return s.owners[i], true
}

// HighWater 返回栈槽最高水位（包括预留槽）
func (s *StackState) HighWater() int {
	return s.highWater
}

// IsEmpty 是否没有分配中的栈槽
func (s *StackState) IsEmpty() bool {
	for _, owner := range s.owners {
		if owner != noOwner {
			return false
		}
	}
	return true
}
