// alloc.go - 线性扫描寄存器分配
//
// 单趟前向扫描：按指令顺序为每个虚拟寄存器分配寄存器或栈槽，
// 在活跃区间结束时立即归还位置，并处理本地调用的参数、返回值约定。
//
// 每条指令的处理顺序：
// 1. 调用边界前，若返回值寄存器被仍然活跃的虚拟寄存器占用，先把它搬走
// 2. 释放在本条指令结束生命的输入位置（使输出可以复用）
// 3. 调用边界前压栈保存所有活跃寄存器（必要时补齐对齐）
// 4. 为输出选择位置：约定寄存器 > 复用第一个输入的寄存器 > 新寄存器 > 栈槽
// 5. 把所有虚拟寄存器操作数（包括内存基址）改写为分配的位置
// 6. 输出在定义处即死亡时立即释放
// 7. 消除源和目的相同的移动
// 扫描结束后用栈槽最高水位回填 FrameSetup。

package lir

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// allocator 分配过程状态
type allocator struct {
	p       *Platform
	log     *zap.Logger
	pool    *RegisterPool
	stack   *StackState
	ranges  []LiveRange
	mapping []Opnd // 每个虚拟寄存器的位置，None 表示尚未分配
	freed   []bool
	out     *Assembler
}

// AllocRegs 为 in 中的所有虚拟寄存器分配位置，返回只包含物理位置的新指令列表
//
// in 的指令在扫描过程中被逐条取走，调用后不应再使用 in。
func AllocRegs(in *Assembler, p *Platform, log *zap.Logger) *Assembler {
	if log == nil {
		log = zap.NewNop()
	}
	ra := &allocator{
		p:       p,
		log:     log,
		pool:    NewRegisterPool(p.AllocRegs),
		stack:   NewStackState(in.StackBase),
		ranges:  in.LiveRanges,
		mapping: make([]Opnd, len(in.LiveRanges)),
		freed:   make([]bool, len(in.LiveRanges)),
		out:     newAssemblerWith(in.LabelNames, len(in.LiveRanges)),
	}
	ra.out.StackBase = in.StackBase

	insns := in.Insns
	in.Insns = nil

	var saved []RegOwner
	scratch := NewReg(p.Scratch.WithBits(64))

	for i := 0; i < len(insns); i++ {
		insn := insns[i]
		insns[i] = Insn{}
		cloneSideExit(&insn)

		beforeCCall := false
		if !ra.pool.IsEmpty() {
			switch insn.Op {
			case OpCCall:
				beforeCCall = true
			case OpParallelMov:
				beforeCCall = i+1 < len(insns) && insns[i+1].Op == OpCCall
			}
		}

		// 返回值寄存器被占用时先搬走，必须在释放死亡输入之前完成
		if beforeCCall {
			if v, ok := ra.pool.VRegFor(p.CRetReg); ok && ra.ranges[v].End > i {
				cur := ra.mapping[v]
				loc := ra.allocLocation(v, cur.NumBits(), i)
				ra.out.Mov(loc, cur)
				ra.pool.DeallocReg(p.CRetReg)
				ra.mapping[v] = loc
			}
		}

		insn.ForEachOpnd(func(o *Opnd) {
			if v, ok := o.VRegIdx(); ok && ra.ranges[v].End == i {
				ra.release(v, &insn)
			}
		})

		if beforeCCall {
			saved = ra.pool.LiveRegs()
			for _, s := range saved {
				ra.out.CPush(NewReg(s.Reg.WithBits(64)))
				ra.pool.DeallocReg(s.Reg)
			}
			if p.AlignPushes && len(saved)%2 == 1 {
				ra.out.CPush(NewReg(saved[len(saved)-1].Reg.WithBits(64)))
			}
		}

		// 输出位置
		outVReg := -1
		var retMove Opnd
		if insn.Out.IsVReg() {
			v := insn.Out.Idx
			bits := insn.Out.Bits
			outVReg = v
			if ra.ranges[v].End == i {
				log.Debug("allocating a location for a vreg that does not live past its definition",
					zap.Int("vreg", v), zap.Int("insn", i))
			}

			var loc Opnd
			switch {
			case insn.Op == OpCCall && ra.pool.Contains(p.CRetReg):
				loc = NewReg(ra.pool.TakeReg(p.CRetReg, v).WithBits(bits))
			case insn.Op == OpCCall:
				// 返回值寄存器不在池中：结果放入栈槽，恢复寄存器后再搬运
				loc = StackOpnd(ra.stack.AllocSlot(v), bits)
				retMove = loc
			case insn.Op == OpLiveReg && ra.regFree(insn.Opnds[0].Reg):
				loc = NewReg(ra.pool.TakeReg(insn.Opnds[0].Reg, v).WithBits(bits))
			default:
				if reg, ok := ra.reusableFirstInput(&insn, i); ok {
					loc = NewReg(ra.pool.TakeReg(reg, v).WithBits(bits))
				} else {
					loc = ra.allocLocation(v, bits, i)
				}
			}
			ra.mapping[v] = loc
			insn.Out = loc
		}

		ra.rewriteOpnds(&insn, i, scratch)

		if outVReg >= 0 && ra.ranges[outVReg].End == i {
			ra.release(outVReg, &insn)
		}

		isCCall := insn.Op == OpCCall
		switch {
		case insn.Op == OpParallelMov:
			moves, err := ResolveParallelMoves(insn.Moves, &scratch)
			if err != nil {
				panic(err)
			}
			for _, m := range moves {
				if m.Dest.IsReg() {
					ra.out.LoadInto(m.Dest, m.Src)
				} else {
					ra.out.Store(m.Dest, m.Src)
				}
			}
		case isCCall:
			// 起止标记紧贴调用指令，不包含保存/恢复寄存器的代码
			start, end := insn.StartMarker, insn.EndMarker
			insn.StartMarker, insn.EndMarker = nil, nil
			if start != nil {
				ra.out.PosMarker(start)
			}
			ra.out.PushInsn(insn)
			if end != nil {
				ra.out.PosMarker(end)
			}
		case (insn.Op == OpMov || insn.Op == OpLoadInto) && insn.Opnds[0] == insn.Opnds[1]:
			// 源与目的相同，无需发射
		default:
			ra.out.PushInsn(insn)
		}

		if isCCall {
			if p.AlignPushes && len(saved)%2 == 1 {
				ra.out.CPopInto(NewReg(saved[len(saved)-1].Reg.WithBits(64)))
			}
			for j := len(saved) - 1; j >= 0; j-- {
				ra.out.CPopInto(NewReg(saved[j].Reg.WithBits(64)))
				ra.pool.TakeReg(saved[j].Reg, saved[j].VReg)
			}
			saved = nil
			if !retMove.IsNone() {
				ra.out.Mov(retMove, NewReg(p.CRetReg.WithBits(retMove.NumBits())))
			}
		}
	}

	if !ra.pool.IsEmpty() {
		panic(fmt.Sprintf("expected all registers to be returned to the pool, live: %v", ra.pool.LiveRegs()))
	}
	if !ra.stack.IsEmpty() {
		panic("expected all stack slots to be freed")
	}

	slots := ra.stack.HighWater()
	for i := range ra.out.Insns {
		if ra.out.Insns[i].Op == OpFrameSetup {
			ra.out.Insns[i].SlotCount = slots
		}
	}
	return ra.out
}

// cloneSideExit 复制侧出口快照，避免改写共享的操作数切片
func cloneSideExit(insn *Insn) {
	if insn.Target == nil || insn.Target.Kind != TargetSideExit {
		return
	}
	exit := *insn.Target.Exit
	exit.Stack = append([]Opnd(nil), exit.Stack...)
	exit.Locals = append([]Opnd(nil), exit.Locals...)
	t := *insn.Target
	t.Exit = &exit
	insn.Target = &t
}

// regFree 寄存器在池中且空闲
func (ra *allocator) regFree(r Reg) bool {
	if !ra.pool.Contains(r) {
		return false
	}
	_, taken := ra.pool.VRegFor(r)
	return !taken
}

// reusableFirstInput 第一个输入在本条指令死亡且位于寄存器时返回该寄存器
func (ra *allocator) reusableFirstInput(insn *Insn, idx int) (Reg, bool) {
	first, ok := insn.FirstOpnd()
	if !ok || !first.IsVReg() || ra.ranges[first.Idx].End != idx {
		return Reg{}, false
	}
	loc := ra.mapping[first.Idx]
	if !loc.IsReg() || !ra.regFree(loc.Reg) {
		return Reg{}, false
	}
	return loc.Reg, true
}

// allocLocation 先尝试寄存器，耗尽后回退到栈槽
func (ra *allocator) allocLocation(v int, bits uint8, idx int) Opnd {
	if r, ok := ra.pool.AllocReg(v); ok {
		return NewReg(r.WithBits(bits))
	}
	slot := ra.stack.AllocSlot(v)
	ra.log.Debug("spilling vreg to stack",
		zap.Int("vreg", v),
		zap.Int("slot", slot),
		zap.Int("insn", idx))
	if ce := ra.log.Check(zapcore.DebugLevel, "live registers at spill"); ce != nil {
		live := ra.pool.LiveRegs()
		vregs := make([]int, len(live))
		for i, l := range live {
			vregs[i] = l.VReg
		}
		ce.Write(zap.Ints("vregs", vregs), zap.Int("num_regs", len(ra.p.AllocRegs)))
	}
	return StackOpnd(slot, bits)
}

// release 归还虚拟寄存器占用的位置
func (ra *allocator) release(v int, insn *Insn) {
	if ra.freed[v] {
		return
	}
	loc := ra.mapping[v]
	switch {
	case loc.IsReg():
		ra.pool.DeallocReg(loc.Reg)
	case loc.IsStack():
		ra.stack.Free(loc.Mem.Base.Idx)
	default:
		panic(fmt.Sprintf("no location allocated for v%d in %s", v, insn))
	}
	ra.freed[v] = true
}

// rewriteOpnds 把虚拟寄存器操作数改写为物理位置
//
// 位于栈槽的内存基址先加载到临时寄存器；每条指令只能有一个这样的基址。
func (ra *allocator) rewriteOpnds(insn *Insn, idx int, scratch Opnd) {
	var loadedBase Opnd
	insn.ForEachOpnd(func(o *Opnd) {
		switch o.Kind {
		case OpndVReg:
			loc := ra.mapping[o.Idx]
			if loc.IsNone() {
				panic(fmt.Sprintf("v%d has no location at insn %d", o.Idx, idx))
			}
			*o = loc.WithBits(o.Bits)
		case OpndMem:
			if o.Mem.Base.Kind != BaseVReg {
				return
			}
			loc := ra.mapping[o.Mem.Base.Idx]
			switch {
			case loc.IsReg():
				o.Mem.Base = MemBase{Kind: BaseReg, Reg: loc.Reg.No}
			case loc.IsStack():
				if insn.Op == OpParallelMov {
					panic(fmt.Sprintf("spilled memory base in parallel move at insn %d", idx))
				}
				if !loadedBase.IsNone() && !loadedBase.SameLocation(loc) {
					panic(fmt.Sprintf("more than one spilled memory base at insn %d", idx))
				}
				if loadedBase.IsNone() {
					ra.out.LoadInto(scratch, loc.WithBits(64))
					loadedBase = loc
				}
				o.Mem.Base = MemBase{Kind: BaseReg, Reg: scratch.Reg.No}
			default:
				panic(fmt.Sprintf("v%d has no location at insn %d", o.Mem.Base.Idx, idx))
			}
		}
	})
}
