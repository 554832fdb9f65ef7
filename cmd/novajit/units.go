// units.go - 示例编译单元
//
// 每个单元模拟上层优化器为一个方法生成的 LIR，覆盖分配器、
// 侧出口和本地调用的主要路径。

package main

import (
	"github.com/tangzhangming/novajit/internal/lir"
)

// 示例中使用的本地函数与解释器地址，只用于生成代码，不会被执行
const (
	sampleCFunc  = 0x7f0000400000
	sampleHeapPC = 0x7f0000201000
	sampleObject = lir.Value(0x7f0000103000)
)

type sampleUnit struct {
	name  string
	desc  string
	build func(p *lir.Platform) *lir.Assembler
}

var sampleUnits = []sampleUnit{
	{"add", "fixnum add with overflow guard", buildAdd},
	{"guard", "type guards sharing one side exit", buildGuard},
	{"ccall", "native call with live values saved around it", buildCCall},
	{"pressure", "more live values than registers", buildPressure},
	{"select", "compare and conditional select", buildSelect},
	{"object", "embedded heap object reference", buildObject},
}

func findUnit(name string) (sampleUnit, bool) {
	for _, u := range sampleUnits {
		if u.name == name {
			return u, true
		}
	}
	return sampleUnit{}, false
}

func sp(p *lir.Platform) lir.Opnd { return lir.NewReg(p.SP) }

// stackTop 解释器操作数栈上第 idx 个值
func stackTop(p *lir.Platform, idx int32) lir.Opnd {
	return lir.MemOpnd(64, sp(p), -8*(idx+1))
}

func exit(pc uintptr, reason lir.SideExitReason, stack ...lir.Opnd) lir.Target {
	return lir.SideExitTarget(&lir.SideExit{PC: pc, Stack: stack, Reason: reason})
}

// buildAdd a + b，溢出时回到解释器
func buildAdd(p *lir.Platform) *lir.Assembler {
	a := lir.NewAssembler()
	a.Comment("add")
	a.FrameSetup(nil)
	left := a.Load(stackTop(p, 1))
	right := a.Load(stackTop(p, 0))
	untagged := a.Sub(left, lir.Imm(1))
	sum := a.Add(untagged, right)
	a.Jo(exit(sampleHeapPC, lir.ExitFixnumOverflow, left, right))
	a.Store(stackTop(p, 1), sum)
	a.FrameTeardown(nil)
	a.CRet(sum)
	return a
}

// buildGuard 两个守卫检查同一快照，共享一个出口
func buildGuard(p *lir.Platform) *lir.Assembler {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	v := a.Load(stackTop(p, 0))
	a.Test(v, lir.Imm(1))
	a.Jz(exit(sampleHeapPC+8, lir.ExitGuardType, v))
	a.Cmp(v, lir.Imm(0x7fff))
	a.Jg(exit(sampleHeapPC+8, lir.ExitGuardBitEquals, v))
	out := a.LShift(v, lir.Imm(1))
	a.FrameTeardown(nil)
	a.CRet(out)
	return a
}

// buildCCall 调用前后保持存活的值
func buildCCall(p *lir.Platform) *lir.Assembler {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	recv := a.Load(stackTop(p, 0))
	ec := lir.NewReg(p.EC)
	ret := a.CCall(sampleCFunc, ec, recv, lir.Imm(3))
	done := a.NewLabel("done")
	a.Joz(ret, done)
	a.Store(stackTop(p, 0), a.Add(recv, ret))
	a.WriteLabel(done)
	a.FrameTeardown(nil)
	a.CRet(ret)
	return a
}

// buildPressure 同时存活的值多于寄存器时溢出到栈槽
func buildPressure(p *lir.Platform) *lir.Assembler {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	var vals []lir.Opnd
	for i := int32(0); i < 12; i++ {
		vals = append(vals, a.Load(stackTop(p, i)))
	}
	acc := vals[0]
	for _, v := range vals[1:] {
		acc = a.Add(acc, v)
	}
	a.Store(stackTop(p, 0), acc)
	a.FrameTeardown(nil)
	a.CRet(acc)
	return a
}

// buildSelect max(a, b)
func buildSelect(p *lir.Platform) *lir.Assembler {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	left := a.Load(stackTop(p, 1))
	right := a.Load(stackTop(p, 0))
	a.Cmp(left, right)
	larger := a.CSelG(left, right)
	a.FrameTeardown(nil)
	a.CRet(larger)
	return a
}

// buildObject 把堆对象写入操作数栈，代码中记录其位置
func buildObject(p *lir.Platform) *lir.Assembler {
	a := lir.NewAssembler()
	a.FrameSetup(nil)
	obj := a.Load(lir.ValueOpnd(sampleObject))
	a.Store(stackTop(p, 0), obj)
	a.Store(stackTop(p, 1), lir.ValueOpnd(sampleObject))
	a.FrameTeardown(nil)
	a.CRet(lir.UImm(0x24))
	return a
}
