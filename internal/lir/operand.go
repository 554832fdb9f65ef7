// operand.go - LIR 操作数模型
//
// 本文件定义了低层 IR (LIR) 的操作数。操作数是一个可比较的值类型：
// 立即数、物理寄存器、内存引用、虚拟寄存器以及装箱的运行时值。
//
// 内存引用的基址在分配前可以是虚拟寄存器，分配后只能是物理寄存器
// 或者栈槽（寄存器耗尽时的回退位置）。

package lir

import (
	"fmt"
	"strings"
)

// ============================================================================
// 物理寄存器
// ============================================================================

// Reg 物理寄存器
type Reg struct {
	No   uint8 // 寄存器编号（由目标平台解释）
	Bits uint8 // 操作宽度
}

// WithBits 返回相同编号但宽度不同的寄存器
func (r Reg) WithBits(bits uint8) Reg {
	r.Bits = bits
	return r
}

// SameAs 忽略宽度比较寄存器编号
func (r Reg) SameAs(o Reg) bool {
	return r.No == o.No
}

func (r Reg) String() string {
	return fmt.Sprintf("r%d", r.No)
}

// ============================================================================
// 运行时值
// ============================================================================

// Value 装箱的运行时值
type Value uint64

// ============================================================================
// 内存引用
// ============================================================================

// MemBaseKind 内存基址类型
type MemBaseKind uint8

const (
	BaseReg   MemBaseKind = iota // 物理寄存器
	BaseVReg                     // 虚拟寄存器（仅分配前）
	BaseStack                    // 栈槽（分配器回退）
)

// MemBase 内存基址
type MemBase struct {
	Kind MemBaseKind
	Reg  uint8 // BaseReg 时的寄存器编号
	Idx  int   // BaseVReg 时为虚拟寄存器编号，BaseStack 时为栈槽编号
}

// Mem 内存引用: [base + disp]
type Mem struct {
	Base MemBase
	Disp int32
	Bits uint8
}

// ============================================================================
// 操作数
// ============================================================================

// OpndKind 操作数类型
type OpndKind uint8

const (
	OpndNone  OpndKind = iota // 无值
	OpndValue                 // 装箱运行时值（可能需要 GC 重定位）
	OpndVReg                  // 虚拟寄存器
	OpndImm                   // 有符号立即数
	OpndUImm                  // 无符号立即数
	OpndMem                   // 内存引用
	OpndReg                   // 物理寄存器
)

// String 返回操作数类型名称
func (k OpndKind) String() string {
	switch k {
	case OpndNone:
		return "None"
	case OpndValue:
		return "Value"
	case OpndVReg:
		return "VReg"
	case OpndImm:
		return "Imm"
	case OpndUImm:
		return "UImm"
	case OpndMem:
		return "Mem"
	case OpndReg:
		return "Reg"
	default:
		return "Unknown"
	}
}

// Opnd 操作数
//
// 根据 Kind 使用不同字段：
//   - OpndValue/OpndImm/OpndUImm: Imm 保存原始位模式
//   - OpndVReg: Idx + Bits
//   - OpndReg: Reg
//   - OpndMem: Mem
type Opnd struct {
	Kind OpndKind
	Idx  int
	Bits uint8
	Imm  uint64
	Reg  Reg
	Mem  Mem
}

// None 空操作数
var None = Opnd{}

// NewReg 物理寄存器操作数
func NewReg(r Reg) Opnd {
	return Opnd{Kind: OpndReg, Reg: r}
}

// Imm 有符号立即数
func Imm(v int64) Opnd {
	return Opnd{Kind: OpndImm, Imm: uint64(v)}
}

// UImm 无符号立即数
func UImm(v uint64) Opnd {
	return Opnd{Kind: OpndUImm, Imm: v}
}

// ValueOpnd 装箱值操作数
func ValueOpnd(v Value) Opnd {
	return Opnd{Kind: OpndValue, Imm: uint64(v)}
}

// VRegOpnd 虚拟寄存器操作数
func VRegOpnd(idx int, bits uint8) Opnd {
	return Opnd{Kind: OpndVReg, Idx: idx, Bits: bits}
}

// MemOpnd 构造内存操作数，base 可以是物理寄存器或虚拟寄存器
func MemOpnd(bits uint8, base Opnd, disp int32) Opnd {
	switch base.Kind {
	case OpndReg:
		return Opnd{Kind: OpndMem, Mem: Mem{
			Base: MemBase{Kind: BaseReg, Reg: base.Reg.No},
			Disp: disp,
			Bits: bits,
		}}
	case OpndVReg:
		return Opnd{Kind: OpndMem, Mem: Mem{
			Base: MemBase{Kind: BaseVReg, Idx: base.Idx},
			Disp: disp,
			Bits: bits,
		}}
	default:
		panic(fmt.Sprintf("invalid memory base operand: %s", base))
	}
}

// StackOpnd 栈槽操作数
func StackOpnd(slot int, bits uint8) Opnd {
	return Opnd{Kind: OpndMem, Mem: Mem{
		Base: MemBase{Kind: BaseStack, Idx: slot},
		Bits: bits,
	}}
}

// IsNone 是否为空操作数
func (o Opnd) IsNone() bool { return o.Kind == OpndNone }

// IsReg 是否为物理寄存器
func (o Opnd) IsReg() bool { return o.Kind == OpndReg }

// IsVReg 是否为虚拟寄存器
func (o Opnd) IsVReg() bool { return o.Kind == OpndVReg }

// IsMem 是否为内存引用
func (o Opnd) IsMem() bool { return o.Kind == OpndMem }

// IsImm 是否为立即数（含装箱值）
func (o Opnd) IsImm() bool {
	return o.Kind == OpndImm || o.Kind == OpndUImm || o.Kind == OpndValue
}

// IsStack 是否为栈槽引用
func (o Opnd) IsStack() bool {
	return o.Kind == OpndMem && o.Mem.Base.Kind == BaseStack
}

// VRegIdx 返回操作数直接或通过内存基址引用的虚拟寄存器编号
func (o Opnd) VRegIdx() (int, bool) {
	switch o.Kind {
	case OpndVReg:
		return o.Idx, true
	case OpndMem:
		if o.Mem.Base.Kind == BaseVReg {
			return o.Mem.Base.Idx, true
		}
	}
	return 0, false
}

// NumBits 返回操作数宽度，立即数没有固定宽度时返回 0
func (o Opnd) NumBits() uint8 {
	switch o.Kind {
	case OpndVReg:
		return o.Bits
	case OpndReg:
		return o.Reg.Bits
	case OpndMem:
		return o.Mem.Bits
	case OpndValue:
		return 64
	default:
		return 0
	}
}

// WithBits 返回改变宽度后的操作数
func (o Opnd) WithBits(bits uint8) Opnd {
	switch o.Kind {
	case OpndVReg:
		o.Bits = bits
	case OpndReg:
		o.Reg.Bits = bits
	case OpndMem:
		o.Mem.Bits = bits
	}
	return o
}

// ImmValue 返回有符号立即数值
func (o Opnd) ImmValue() int64 {
	return int64(o.Imm)
}

// SameLocation 判断两个操作数是否指向同一位置（忽略宽度）
func (o Opnd) SameLocation(other Opnd) bool {
	if o.Kind != other.Kind {
		return false
	}
	switch o.Kind {
	case OpndReg:
		return o.Reg.SameAs(other.Reg)
	case OpndVReg:
		return o.Idx == other.Idx
	case OpndMem:
		return o.Mem.Base == other.Mem.Base && o.Mem.Disp == other.Mem.Disp
	default:
		return o == other
	}
}

// ReadsReg 判断读取该操作数时是否会读取寄存器 r（包括作为内存基址）
func (o Opnd) ReadsReg(r Reg) bool {
	switch o.Kind {
	case OpndReg:
		return o.Reg.SameAs(r)
	case OpndMem:
		return o.Mem.Base.Kind == BaseReg && o.Mem.Base.Reg == r.No
	}
	return false
}

// MatchNumBits 检查一组操作数的宽度是否一致，返回该宽度（默认 64）
func MatchNumBits(opnds ...Opnd) uint8 {
	var bits uint8
	for _, o := range opnds {
		n := o.NumBits()
		if n == 0 {
			continue
		}
		if bits != 0 && bits != n {
			panic(fmt.Sprintf("operands of different sizes: %v", opnds))
		}
		bits = n
	}
	if bits == 0 {
		return 64
	}
	return bits
}

// String 返回操作数的调试表示
func (o Opnd) String() string {
	return o.Format(nil)
}

// Format 使用寄存器名称表格式化操作数
func (o Opnd) Format(regName func(no uint8) string) string {
	name := func(no uint8) string {
		if regName != nil {
			return regName(no)
		}
		return fmt.Sprintf("r%d", no)
	}
	switch o.Kind {
	case OpndNone:
		return "None"
	case OpndValue:
		return fmt.Sprintf("Value(%#x)", o.Imm)
	case OpndVReg:
		return fmt.Sprintf("v%d:%d", o.Idx, o.Bits)
	case OpndImm:
		return fmt.Sprintf("%d", int64(o.Imm))
	case OpndUImm:
		return fmt.Sprintf("%#x", o.Imm)
	case OpndReg:
		return fmt.Sprintf("%s:%d", name(o.Reg.No), o.Reg.Bits)
	case OpndMem:
		var sb strings.Builder
		fmt.Fprintf(&sb, "Mem%d[", o.Mem.Bits)
		switch o.Mem.Base.Kind {
		case BaseReg:
			sb.WriteString(name(o.Mem.Base.Reg))
		case BaseVReg:
			fmt.Fprintf(&sb, "v%d", o.Mem.Base.Idx)
		case BaseStack:
			fmt.Fprintf(&sb, "Stack[%d]", o.Mem.Base.Idx)
		}
		if o.Mem.Disp != 0 {
			fmt.Fprintf(&sb, " %+d", o.Mem.Disp)
		}
		sb.WriteString("]")
		return sb.String()
	default:
		return "?"
	}
}
