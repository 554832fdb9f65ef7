// insn.go - LIR 指令定义
//
// 指令集是封闭的：每条指令由 Op 标签区分，携带至多一个输出操作数、
// 若干输入操作数以及可选的跳转目标。不同操作码使用 Insn 的不同字段，
// 遍历操作数统一通过 ForEachOpnd 完成（包括侧出口快照中的操作数）。

package lir

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/novajit/internal/asm"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// ============================================================================
// 操作码
// ============================================================================

// Op LIR 操作码
type Op uint8

const (
	// 算术与位运算
	OpAdd Op = iota
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpNot
	OpLShift
	OpRShift
	OpURShift

	// 比较
	OpCmp
	OpTest

	// 数据移动
	OpMov
	OpLoad
	OpLoadInto
	OpLoadSExt
	OpLea
	OpLeaJumpTarget
	OpStore
	OpParallelMov
	OpLiveReg

	// 条件选择
	OpCSelE
	OpCSelNE
	OpCSelL
	OpCSelLE
	OpCSelG
	OpCSelGE
	OpCSelZ
	OpCSelNZ

	// 跳转
	OpJmp
	OpJmpOpnd
	OpJe
	OpJne
	OpJl
	OpJle
	OpJg
	OpJge
	OpJb
	OpJbe
	OpJz
	OpJnz
	OpJo
	OpJoMul
	OpJoz
	OpJonz
	OpLabel

	// 调用与栈
	OpCCall
	OpCRet
	OpCPush
	OpCPop
	OpCPopInto
	OpCPushAll
	OpCPopAll
	OpFrameSetup
	OpFrameTeardown

	// 其他
	OpIncrCounter
	OpComment
	OpBreakpoint
	OpPosMarker
)

var opNames = [...]string{
	OpAdd: "Add", OpSub: "Sub", OpMul: "Mul", OpAnd: "And", OpOr: "Or", OpXor: "Xor",
	OpNot: "Not", OpLShift: "LShift", OpRShift: "RShift", OpURShift: "URShift",
	OpCmp: "Cmp", OpTest: "Test",
	OpMov: "Mov", OpLoad: "Load", OpLoadInto: "LoadInto", OpLoadSExt: "LoadSExt",
	OpLea: "Lea", OpLeaJumpTarget: "LeaJumpTarget", OpStore: "Store",
	OpParallelMov: "ParallelMov", OpLiveReg: "LiveReg",
	OpCSelE: "CSelE", OpCSelNE: "CSelNE", OpCSelL: "CSelL", OpCSelLE: "CSelLE",
	OpCSelG: "CSelG", OpCSelGE: "CSelGE", OpCSelZ: "CSelZ", OpCSelNZ: "CSelNZ",
	OpJmp: "Jmp", OpJmpOpnd: "JmpOpnd", OpJe: "Je", OpJne: "Jne", OpJl: "Jl", OpJle: "Jle",
	OpJg: "Jg", OpJge: "Jge", OpJb: "Jb", OpJbe: "Jbe", OpJz: "Jz", OpJnz: "Jnz",
	OpJo: "Jo", OpJoMul: "JoMul", OpJoz: "Joz", OpJonz: "Jonz", OpLabel: "Label",
	OpCCall: "CCall", OpCRet: "CRet", OpCPush: "CPush", OpCPop: "CPop", OpCPopInto: "CPopInto",
	OpCPushAll: "CPushAll", OpCPopAll: "CPopAll",
	OpFrameSetup: "FrameSetup", OpFrameTeardown: "FrameTeardown",
	OpIncrCounter: "IncrCounter", OpComment: "Comment", OpBreakpoint: "Breakpoint",
	OpPosMarker: "PosMarker",
}

// String 返回操作码名称
func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// IsJump 是否为带目标的跳转指令
func (op Op) IsJump() bool {
	switch op {
	case OpJmp, OpJe, OpJne, OpJl, OpJle, OpJg, OpJge, OpJb, OpJbe,
		OpJz, OpJnz, OpJo, OpJoMul, OpJoz, OpJonz:
		return true
	}
	return false
}

// IsCSel 是否为条件选择指令
func (op Op) IsCSel() bool {
	return op >= OpCSelE && op <= OpCSelNZ
}

// ============================================================================
// 跳转目标
// ============================================================================

// Label 标签编号，索引 Assembler.LabelNames
type Label int

// TargetKind 跳转目标类型
type TargetKind uint8

const (
	TargetCodePtr  TargetKind = iota // 已生成代码的地址
	TargetLabel                      // 链接时解析的标签
	TargetSideExit                   // 回退到解释器
)

// Target 跳转目标
type Target struct {
	Kind  TargetKind
	Ptr   virtualmem.CodePtr
	Label Label
	Exit  *SideExit
}

// CodePtrTarget 跳转到固定代码地址
func CodePtrTarget(p virtualmem.CodePtr) Target {
	return Target{Kind: TargetCodePtr, Ptr: p}
}

// LabelTarget 跳转到标签
func LabelTarget(l Label) Target {
	return Target{Kind: TargetLabel, Label: l}
}

// SideExitTarget 跳转到侧出口
func SideExitTarget(e *SideExit) Target {
	return Target{Kind: TargetSideExit, Exit: e}
}

func (t Target) String() string {
	switch t.Kind {
	case TargetCodePtr:
		return fmt.Sprintf("CodePtr(%d)", t.Ptr.Offset())
	case TargetLabel:
		return fmt.Sprintf("Label(%d)", t.Label)
	case TargetSideExit:
		return fmt.Sprintf("SideExit(%s)", t.Exit.Reason)
	}
	return "?"
}

// ============================================================================
// 指令
// ============================================================================

// PosMarkerFunc 位置标记回调，在发射时收到当前写入位置
type PosMarkerFunc func(ptr virtualmem.CodePtr, cb *asm.CodeBlock)

// Move 并行移动中的一项: Dest <- Src
type Move struct {
	Dest Opnd
	Src  Opnd
}

// Insn LIR 指令
//
// 输入操作数按操作码约定排列：
//   - 二元运算/比较: [left, right]
//   - 移位: [opnd, shift]
//   - Mov/Store/LoadInto: [dest, src]
//   - CSel*: [truthy, falsy]
//   - Joz/Jonz/JmpOpnd/CPush/CPopInto/CRet/Load*/Lea/Not/LiveReg: [opnd]
//   - IncrCounter: [mem, value]
//   - CCall: 参数（平台 Split 之后为空）
type Insn struct {
	Op     Op
	Opnds  []Opnd
	Out    Opnd
	Target *Target

	Moves []Move // ParallelMov

	Text string  // Comment
	Fptr uintptr // CCall

	Preserved []Reg // FrameSetup/FrameTeardown
	SlotCount int   // FrameSetup，分配后回填

	Marker      PosMarkerFunc // PosMarker
	StartMarker PosMarkerFunc // CCall
	EndMarker   PosMarkerFunc // CCall
}

// ForEachOpnd 按顺序访问所有输入操作数，包括并行移动的源和侧出口快照
func (insn *Insn) ForEachOpnd(f func(o *Opnd)) {
	for i := range insn.Opnds {
		f(&insn.Opnds[i])
	}
	for i := range insn.Moves {
		f(&insn.Moves[i].Src)
	}
	if insn.Target != nil && insn.Target.Kind == TargetSideExit {
		exit := insn.Target.Exit
		for i := range exit.Stack {
			f(&exit.Stack[i])
		}
		for i := range exit.Locals {
			f(&exit.Locals[i])
		}
	}
}

// FirstOpnd 返回第一个输入操作数
func (insn *Insn) FirstOpnd() (Opnd, bool) {
	if len(insn.Opnds) > 0 {
		return insn.Opnds[0], true
	}
	if len(insn.Moves) > 0 {
		return insn.Moves[0].Src, true
	}
	return None, false
}

// HasOut 指令是否定义输出
func (insn *Insn) HasOut() bool {
	return !insn.Out.IsNone()
}

// String 返回指令的调试表示
func (insn *Insn) String() string {
	return insn.Format(nil)
}

// Format 使用寄存器名称表格式化指令
func (insn *Insn) Format(regName func(no uint8) string) string {
	var sb strings.Builder
	if insn.HasOut() {
		fmt.Fprintf(&sb, "%s = ", insn.Out.Format(regName))
	}
	sb.WriteString(insn.Op.String())
	switch insn.Op {
	case OpComment:
		fmt.Fprintf(&sb, " %q", insn.Text)
		return sb.String()
	case OpCCall:
		fmt.Fprintf(&sb, " %#x", insn.Fptr)
	case OpFrameSetup:
		fmt.Fprintf(&sb, " slots=%d", insn.SlotCount)
	}
	for i, o := range insn.Opnds {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.Format(regName))
	}
	for i, m := range insn.Moves {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, " %s <- %s", m.Dest.Format(regName), m.Src.Format(regName))
	}
	if insn.Target != nil {
		fmt.Fprintf(&sb, " -> %s", insn.Target)
	}
	return sb.String()
}
