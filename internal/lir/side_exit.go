// side_exit.go - 侧出口编译
//
// 守卫失败时需要从编译后的表示重建解释器可见的状态（PC、操作数栈、
// 局部变量）并返回解释器。侧出口按状态快照去重：相同快照只生成一份
// 重建代码，后续守卫复用它的标签。开启统计时，每个守卫前面还有一段
// 不去重的计数包装代码，计数后跳转到共享的出口。

package lir

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ============================================================================
// 侧出口原因
// ============================================================================

// SideExitReason 侧出口原因
type SideExitReason uint16

const (
	ExitUnknown SideExitReason = iota
	ExitGuardType
	ExitGuardBitEquals
	ExitGuardShape
	ExitFixnumOverflow
	ExitFixnumDivByZero
	ExitPatchPoint
	ExitInterrupt
	ExitUnhandledInsn
	ExitCalleeSideExit

	// NumSideExitReasons 原因数量，用于分配计数器
	NumSideExitReasons
)

// String 返回原因名称
func (r SideExitReason) String() string {
	switch r {
	case ExitUnknown:
		return "Unknown"
	case ExitGuardType:
		return "GuardType"
	case ExitGuardBitEquals:
		return "GuardBitEquals"
	case ExitGuardShape:
		return "GuardShape"
	case ExitFixnumOverflow:
		return "FixnumOverflow"
	case ExitFixnumDivByZero:
		return "FixnumDivByZero"
	case ExitPatchPoint:
		return "PatchPoint"
	case ExitInterrupt:
		return "Interrupt"
	case ExitUnhandledInsn:
		return "UnhandledInsn"
	case ExitCalleeSideExit:
		return "CalleeSideExit"
	default:
		return fmt.Sprintf("SideExitReason(%d)", r)
	}
}

// ============================================================================
// 侧出口快照
// ============================================================================

// SideExit 回退到解释器时需要恢复的状态
type SideExit struct {
	PC     uintptr // 解释器 PC
	Stack  []Opnd  // 抽象操作数栈
	Locals []Opnd  // 抽象局部变量
	Reason SideExitReason
}

// sameSnapshot 两个出口的快照是否完全相同（不比较原因）
func sameSnapshot(a, b *SideExit) bool {
	if a.PC != b.PC || len(a.Stack) != len(b.Stack) || len(a.Locals) != len(b.Locals) {
		return false
	}
	for i := range a.Stack {
		if a.Stack[i] != b.Stack[i] {
			return false
		}
	}
	for i := range a.Locals {
		if a.Locals[i] != b.Locals[i] {
			return false
		}
	}
	return true
}

// snapshotKey 快照的指纹
type snapshotKey [blake2b.Size256]byte

func appendOpnd(buf []byte, o Opnd) []byte {
	buf = append(buf, byte(o.Kind), o.Bits, o.Reg.No, o.Reg.Bits,
		byte(o.Mem.Base.Kind), o.Mem.Base.Reg, o.Mem.Bits)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.Idx))
	buf = binary.LittleEndian.AppendUint64(buf, o.Imm)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.Mem.Base.Idx))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.Mem.Disp))
	return buf
}

func (e *SideExit) key() snapshotKey {
	buf := make([]byte, 0, 24+(len(e.Stack)+len(e.Locals))*36)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.PC))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Stack)))
	for _, o := range e.Stack {
		buf = appendOpnd(buf, o)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Locals)))
	for _, o := range e.Locals {
		buf = appendOpnd(buf, o)
	}
	return blake2b.Sum256(buf)
}

// ============================================================================
// 侧出口编译
// ============================================================================

// SideExitOptions 侧出口代码生成选项
type SideExitOptions struct {
	// Model 对象模型
	Model *ObjectModel

	// CounterAddr 返回原因对应的计数器地址，nil 表示不计数
	CounterAddr func(SideExitReason) uintptr

	// SampleHook 非零时在计数后调用采样函数，参数为原因
	SampleHook uintptr
}

// SideExitStats 侧出口编译结果
type SideExitStats struct {
	Guards int // 以侧出口为目标的指令数
	Stubs  int // 实际生成的共享出口数
}

type compiledExit struct {
	exit  *SideExit
	label Label
}

// CompileSideExits 为所有 SideExit 目标生成出口代码，并把目标改写为标签
//
// 在寄存器分配之后运行，生成的代码不能使用虚拟寄存器。
func CompileSideExits(a *Assembler, p *Platform, opts SideExitOptions) SideExitStats {
	model := opts.Model
	if model == nil {
		model = DefaultObjectModel()
	}

	var preserved []Reg
	hasFrame := false
	for i := range a.Insns {
		if a.Insns[i].Op == OpFrameSetup {
			preserved = a.Insns[i].Preserved
			hasFrame = true
			break
		}
	}

	var stats SideExitStats
	seen := make(map[snapshotKey][]compiledExit)
	var stubs []compiledExit
	type wrapper struct {
		label  Label
		stub   Label
		reason SideExitReason
	}
	var wrappers []wrapper

	n := len(a.Insns)
	for i := 0; i < n; i++ {
		insn := &a.Insns[i]
		if insn.Target == nil || insn.Target.Kind != TargetSideExit {
			continue
		}
		exit := insn.Target.Exit
		stats.Guards++

		k := exit.key()
		var stub Label
		found := false
		for _, c := range seen[k] {
			if sameSnapshot(c.exit, exit) {
				stub, found = c.label, true
				break
			}
		}
		if !found {
			stub = a.NewLabel("side_exit").Label
			c := compiledExit{exit: exit, label: stub}
			seen[k] = append(seen[k], c)
			stubs = append(stubs, c)
		}

		target := stub
		if opts.CounterAddr != nil {
			target = a.NewLabel("side_exit_counter").Label
			wrappers = append(wrappers, wrapper{label: target, stub: stub, reason: exit.Reason})
		}
		t := LabelTarget(target)
		insn.Target = &t
	}

	scratch := NewReg(p.Scratch.WithBits(64))
	for _, w := range wrappers {
		a.WriteLabel(LabelTarget(w.label))
		a.Comment(fmt.Sprintf("count side exit: %s", w.reason))
		a.LoadInto(scratch, UImm(uint64(opts.CounterAddr(w.reason))))
		a.IncrCounter(MemOpnd(64, scratch, 0), Imm(1))
		if opts.SampleHook != 0 {
			a.CPushAll()
			a.LoadInto(NewReg(p.CArgRegs[0].WithBits(64)), UImm(uint64(w.reason)))
			a.PushInsn(Insn{Op: OpCCall, Fptr: opts.SampleHook})
			a.CPopAll()
		}
		a.Jmp(LabelTarget(w.stub))
	}

	vs := model.ValueSize
	sp := NewReg(p.SP.WithBits(64))
	cfp := NewReg(p.CFP.WithBits(64))
	for _, c := range stubs {
		exit := c.exit
		a.WriteLabel(LabelTarget(c.label))
		a.Comment(fmt.Sprintf("Exit: %s", exit.Reason))

		a.Comment("write stack slots")
		for idx, o := range exit.Stack {
			a.Store(MemOpnd(64, sp, int32(idx)*vs), o)
		}
		a.Comment("write locals")
		for idx, o := range exit.Locals {
			a.Store(MemOpnd(64, sp, model.LocalOffset(len(exit.Locals), idx)*vs), o)
		}

		a.Comment("save cfp->pc")
		a.LoadInto(scratch, UImm(uint64(exit.PC)))
		a.Store(MemOpnd(64, cfp, model.CFPOffsetPC), scratch)

		a.Comment("save cfp->sp")
		a.LeaInto(scratch, MemOpnd(64, sp, int32(len(exit.Stack))*vs))
		a.Store(MemOpnd(64, cfp, model.CFPOffsetSP), scratch)

		a.Comment("exit to the interpreter")
		if hasFrame {
			a.FrameTeardown(preserved)
		}
		ret := NewReg(p.CRetReg.WithBits(64))
		a.Mov(ret, UImm(uint64(model.Qundef)))
		a.CRet(ret)
	}
	stats.Stubs = len(stubs)
	return stats
}
