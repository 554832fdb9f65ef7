// assembler.go - LIR 指令构建器
//
// Assembler 按程序顺序累积指令。每条带输出的指令获得一个新的虚拟寄存器，
// 其活跃区间初始化为 [i, i]；每次读取虚拟寄存器都会把它的活跃区间
// 延伸到当前指令。构建阶段从不重排指令。

package lir

import (
	"fmt"
	"strings"
)

// ============================================================================
// 活跃区间
// ============================================================================

// LiveRange 虚拟寄存器的活跃区间（首次和最后一次引用的指令索引，闭区间）
type LiveRange struct {
	Start int
	End   int
}

// unsetRange 尚未定义的活跃区间
var unsetRange = LiveRange{Start: -1, End: -1}

// Defined 区间是否已有起点
func (r LiveRange) Defined() bool {
	return r.Start >= 0
}

// ============================================================================
// 构建器
// ============================================================================

// insnsCapacity 指令列表初始容量
const insnsCapacity = 256

// Assembler LIR 构建器
type Assembler struct {
	// Insns 指令列表
	Insns []Insn

	// LiveRanges 按虚拟寄存器编号索引的活跃区间
	LiveRanges []LiveRange

	// LabelNames 标签名称
	LabelNames []string

	// StackBase 上游预留的栈槽数（如溢出的块参数），分配器从其后开始分配
	StackBase int
}

// NewAssembler 创建构建器
func NewAssembler() *Assembler {
	return newAssemblerWith(nil, 0)
}

// newAssemblerWith 创建下一趟使用的构建器，继承标签和虚拟寄存器数量
func newAssemblerWith(labelNames []string, numVRegs int) *Assembler {
	ranges := make([]LiveRange, numVRegs, max(numVRegs, insnsCapacity))
	for i := range ranges {
		ranges[i] = unsetRange
	}
	return &Assembler{
		Insns:      make([]Insn, 0, insnsCapacity),
		LiveRanges: ranges,
		LabelNames: labelNames,
	}
}

// Fork 创建用于改写本指令列表的空构建器
//
// 新构建器继承标签和已有虚拟寄存器编号，指令需要按顺序重新追加，
// 活跃区间随之重新计算。平台的 Split 趟使用它。
func (a *Assembler) Fork() *Assembler {
	out := newAssemblerWith(a.LabelNames, a.NumVRegs())
	out.StackBase = a.StackBase
	return out
}

// NumVRegs 返回已创建的虚拟寄存器数量
func (a *Assembler) NumVRegs() int {
	return len(a.LiveRanges)
}

// NewVReg 创建新的虚拟寄存器
func (a *Assembler) NewVReg(bits uint8) Opnd {
	v := VRegOpnd(len(a.LiveRanges), bits)
	a.LiveRanges = append(a.LiveRanges, unsetRange)
	return v
}

// PushInsn 追加指令并更新活跃区间
func (a *Assembler) PushInsn(insn Insn) {
	idx := len(a.Insns)

	if insn.Out.IsVReg() {
		out := insn.Out.Idx
		if out >= len(a.LiveRanges) {
			panic(fmt.Sprintf("output v%d was not created by this assembler", out))
		}
		if a.LiveRanges[out].Defined() {
			panic(fmt.Sprintf("v%d is defined twice (at %d and %d)", out, a.LiveRanges[out].Start, idx))
		}
		a.LiveRanges[out] = LiveRange{Start: idx, End: idx}
	}

	insn.ForEachOpnd(func(o *Opnd) {
		v, ok := o.VRegIdx()
		if !ok {
			return
		}
		if v >= len(a.LiveRanges) {
			panic(fmt.Sprintf("v%d was not created by this assembler", v))
		}
		r := &a.LiveRanges[v]
		if !r.Defined() {
			panic(fmt.Sprintf("v%d is used at %d before it is defined", v, idx))
		}
		if idx > r.End {
			r.End = idx
		}
	})

	a.Insns = append(a.Insns, insn)
}

// NewLabel 创建标签
func (a *Assembler) NewLabel(name string) Target {
	if strings.Contains(name, " ") {
		panic("use underscores in label names, not spaces")
	}
	l := Label(len(a.LabelNames))
	a.LabelNames = append(a.LabelNames, name)
	return LabelTarget(l)
}

// WriteLabel 在当前位置放置标签
func (a *Assembler) WriteLabel(t Target) {
	if t.Kind != TargetLabel || int(t.Label) >= len(a.LabelNames) {
		panic(fmt.Sprintf("invalid label target: %s", t))
	}
	a.PushInsn(Insn{Op: OpLabel, Target: &t})
}

// String 返回所有指令的调试表示
func (a *Assembler) String() string {
	return a.Format(nil)
}

// Format 使用平台寄存器名称格式化
func (a *Assembler) Format(p *Platform) string {
	var regName func(uint8) string
	if p != nil {
		regName = p.RegName
	}
	var sb strings.Builder
	sb.WriteString("Assembler\n")
	for i := range a.Insns {
		insn := &a.Insns[i]
		if insn.Op == OpLabel {
			fmt.Fprintf(&sb, "  %s:\n", a.LabelNames[insn.Target.Label])
			continue
		}
		fmt.Fprintf(&sb, "    %03d %s\n", i, insn.Format(regName))
	}
	return sb.String()
}

// ============================================================================
// 指令构建方法
// ============================================================================

func (a *Assembler) binary(op Op, left, right Opnd) Opnd {
	out := a.NewVReg(MatchNumBits(left, right))
	a.PushInsn(Insn{Op: op, Opnds: []Opnd{left, right}, Out: out})
	return out
}

func (a *Assembler) unary(op Op, opnd Opnd) Opnd {
	out := a.NewVReg(MatchNumBits(opnd))
	a.PushInsn(Insn{Op: op, Opnds: []Opnd{opnd}, Out: out})
	return out
}

func mustReg(what string, o Opnd) {
	if !o.IsReg() {
		panic(fmt.Sprintf("destination of %s must be a register, got: %s", what, o))
	}
}

// Add out = left + right
func (a *Assembler) Add(left, right Opnd) Opnd { return a.binary(OpAdd, left, right) }

// AddInto left += right，left 必须是物理寄存器
func (a *Assembler) AddInto(left, right Opnd) {
	mustReg("AddInto", left)
	a.PushInsn(Insn{Op: OpAdd, Opnds: []Opnd{left, right}, Out: left})
}

// Sub out = left - right
func (a *Assembler) Sub(left, right Opnd) Opnd { return a.binary(OpSub, left, right) }

// SubInto left -= right，left 必须是物理寄存器
func (a *Assembler) SubInto(left, right Opnd) {
	mustReg("SubInto", left)
	a.PushInsn(Insn{Op: OpSub, Opnds: []Opnd{left, right}, Out: left})
}

// Mul out = left * right
func (a *Assembler) Mul(left, right Opnd) Opnd { return a.binary(OpMul, left, right) }

// And out = left & right
func (a *Assembler) And(left, right Opnd) Opnd { return a.binary(OpAnd, left, right) }

// Or out = left | right
func (a *Assembler) Or(left, right Opnd) Opnd { return a.binary(OpOr, left, right) }

// Xor out = left ^ right
func (a *Assembler) Xor(left, right Opnd) Opnd { return a.binary(OpXor, left, right) }

// Not out = ^opnd
func (a *Assembler) Not(opnd Opnd) Opnd { return a.unary(OpNot, opnd) }

// LShift out = opnd << shift
func (a *Assembler) LShift(opnd, shift Opnd) Opnd { return a.binary(OpLShift, opnd, shift) }

// RShift 算术右移
func (a *Assembler) RShift(opnd, shift Opnd) Opnd { return a.binary(OpRShift, opnd, shift) }

// URShift 逻辑右移
func (a *Assembler) URShift(opnd, shift Opnd) Opnd { return a.binary(OpURShift, opnd, shift) }

// Cmp 比较并设置标志位
func (a *Assembler) Cmp(left, right Opnd) {
	a.PushInsn(Insn{Op: OpCmp, Opnds: []Opnd{left, right}})
}

// Test 按位与测试并设置标志位
func (a *Assembler) Test(left, right Opnd) {
	a.PushInsn(Insn{Op: OpTest, Opnds: []Opnd{left, right}})
}

// Mov dest = src，dest 不能是虚拟寄存器
func (a *Assembler) Mov(dest, src Opnd) {
	if dest.IsVReg() {
		panic(fmt.Sprintf("destination of Mov must not be a vreg, got: %s", dest))
	}
	a.PushInsn(Insn{Op: OpMov, Opnds: []Opnd{dest, src}})
}

// Load 从操作数加载到新的虚拟寄存器
func (a *Assembler) Load(opnd Opnd) Opnd { return a.unary(OpLoad, opnd) }

// LoadInto 加载到指定寄存器
func (a *Assembler) LoadInto(dest, opnd Opnd) {
	mustReg("LoadInto", dest)
	if opnd.IsReg() && dest.Reg == opnd.Reg {
		return
	}
	a.PushInsn(Insn{Op: OpLoadInto, Opnds: []Opnd{dest, opnd}})
}

// LoadSExt 符号扩展加载
func (a *Assembler) LoadSExt(opnd Opnd) Opnd { return a.unary(OpLoadSExt, opnd) }

// Lea 计算内存操作数的有效地址
func (a *Assembler) Lea(opnd Opnd) Opnd {
	out := a.NewVReg(64)
	a.PushInsn(Insn{Op: OpLea, Opnds: []Opnd{opnd}, Out: out})
	return out
}

// LeaInto 计算有效地址到指定寄存器
func (a *Assembler) LeaInto(out, opnd Opnd) {
	mustReg("LeaInto", out)
	a.PushInsn(Insn{Op: OpLea, Opnds: []Opnd{opnd}, Out: out})
}

// LeaJumpTarget 取跳转目标的地址
func (a *Assembler) LeaJumpTarget(t Target) Opnd {
	out := a.NewVReg(64)
	a.PushInsn(Insn{Op: OpLeaJumpTarget, Out: out, Target: &t})
	return out
}

// Store 存储 src 到 dest，dest 不能是虚拟寄存器
func (a *Assembler) Store(dest, src Opnd) {
	if dest.IsVReg() {
		panic(fmt.Sprintf("destination of Store must not be a vreg, got: %s", dest))
	}
	a.PushInsn(Insn{Op: OpStore, Opnds: []Opnd{dest, src}})
}

// ParallelMov 同时执行的一组移动
func (a *Assembler) ParallelMov(moves []Move) {
	a.PushInsn(Insn{Op: OpParallelMov, Moves: moves})
}

// LiveReg 把已有值的物理寄存器绑定到新虚拟寄存器
func (a *Assembler) LiveReg(opnd Opnd) Opnd {
	mustReg("LiveReg", opnd)
	out := a.NewVReg(opnd.NumBits())
	a.PushInsn(Insn{Op: OpLiveReg, Opnds: []Opnd{opnd}, Out: out})
	return out
}

func (a *Assembler) csel(op Op, truthy, falsy Opnd) Opnd { return a.binary(op, truthy, falsy) }

// CSelE 相等时选择 truthy
func (a *Assembler) CSelE(truthy, falsy Opnd) Opnd { return a.csel(OpCSelE, truthy, falsy) }

// CSelNE 不等时选择 truthy
func (a *Assembler) CSelNE(truthy, falsy Opnd) Opnd { return a.csel(OpCSelNE, truthy, falsy) }

// CSelL 小于时选择 truthy
func (a *Assembler) CSelL(truthy, falsy Opnd) Opnd { return a.csel(OpCSelL, truthy, falsy) }

// CSelLE 小于等于时选择 truthy
func (a *Assembler) CSelLE(truthy, falsy Opnd) Opnd { return a.csel(OpCSelLE, truthy, falsy) }

// CSelG 大于时选择 truthy
func (a *Assembler) CSelG(truthy, falsy Opnd) Opnd { return a.csel(OpCSelG, truthy, falsy) }

// CSelGE 大于等于时选择 truthy
func (a *Assembler) CSelGE(truthy, falsy Opnd) Opnd { return a.csel(OpCSelGE, truthy, falsy) }

// CSelZ 为零时选择 truthy
func (a *Assembler) CSelZ(truthy, falsy Opnd) Opnd { return a.csel(OpCSelZ, truthy, falsy) }

// CSelNZ 非零时选择 truthy
func (a *Assembler) CSelNZ(truthy, falsy Opnd) Opnd { return a.csel(OpCSelNZ, truthy, falsy) }

func (a *Assembler) jump(op Op, t Target) {
	a.PushInsn(Insn{Op: op, Target: &t})
}

// Jmp 无条件跳转
func (a *Assembler) Jmp(t Target) { a.jump(OpJmp, t) }

// JmpOpnd 间接跳转
func (a *Assembler) JmpOpnd(opnd Opnd) {
	a.PushInsn(Insn{Op: OpJmpOpnd, Opnds: []Opnd{opnd}})
}

// Je 相等跳转
func (a *Assembler) Je(t Target) { a.jump(OpJe, t) }

// Jne 不等跳转
func (a *Assembler) Jne(t Target) { a.jump(OpJne, t) }

// Jl 有符号小于跳转
func (a *Assembler) Jl(t Target) { a.jump(OpJl, t) }

// Jle 有符号小于等于跳转
func (a *Assembler) Jle(t Target) { a.jump(OpJle, t) }

// Jg 有符号大于跳转
func (a *Assembler) Jg(t Target) { a.jump(OpJg, t) }

// Jge 有符号大于等于跳转
func (a *Assembler) Jge(t Target) { a.jump(OpJge, t) }

// Jb 无符号小于跳转
func (a *Assembler) Jb(t Target) { a.jump(OpJb, t) }

// Jbe 无符号小于等于跳转
func (a *Assembler) Jbe(t Target) { a.jump(OpJbe, t) }

// Jz 为零跳转
func (a *Assembler) Jz(t Target) { a.jump(OpJz, t) }

// Jnz 非零跳转
func (a *Assembler) Jnz(t Target) { a.jump(OpJnz, t) }

// Jo 加减法溢出跳转
func (a *Assembler) Jo(t Target) { a.jump(OpJo, t) }

// JoMul 乘法溢出跳转，必须紧跟在 Mul 之后
func (a *Assembler) JoMul(t Target) { a.jump(OpJoMul, t) }

// Joz 操作数为零时跳转
func (a *Assembler) Joz(opnd Opnd, t Target) {
	a.PushInsn(Insn{Op: OpJoz, Opnds: []Opnd{opnd}, Target: &t})
}

// Jonz 操作数非零时跳转
func (a *Assembler) Jonz(opnd Opnd, t Target) {
	a.PushInsn(Insn{Op: OpJonz, Opnds: []Opnd{opnd}, Target: &t})
}

// CCall 调用本地函数
func (a *Assembler) CCall(fptr uintptr, args ...Opnd) Opnd {
	out := a.NewVReg(64)
	a.PushInsn(Insn{Op: OpCCall, Fptr: fptr, Opnds: args, Out: out})
	return out
}

// CCallWithMarkers 调用本地函数，并记录调用指令的起止位置
func (a *Assembler) CCallWithMarkers(fptr uintptr, args []Opnd, start, end PosMarkerFunc) Opnd {
	out := a.NewVReg(64)
	a.PushInsn(Insn{
		Op:          OpCCall,
		Fptr:        fptr,
		Opnds:       args,
		Out:         out,
		StartMarker: start,
		EndMarker:   end,
	})
	return out
}

// CRet 返回到本地调用者
func (a *Assembler) CRet(opnd Opnd) {
	a.PushInsn(Insn{Op: OpCRet, Opnds: []Opnd{opnd}})
}

// CPush 压栈
func (a *Assembler) CPush(opnd Opnd) {
	a.PushInsn(Insn{Op: OpCPush, Opnds: []Opnd{opnd}})
}

// CPop 出栈到新虚拟寄存器
func (a *Assembler) CPop() Opnd {
	out := a.NewVReg(64)
	a.PushInsn(Insn{Op: OpCPop, Out: out})
	return out
}

// CPopInto 出栈到指定寄存器
func (a *Assembler) CPopInto(opnd Opnd) {
	mustReg("CPopInto", opnd)
	a.PushInsn(Insn{Op: OpCPopInto, Opnds: []Opnd{opnd}})
}

// CPushAll 保存所有调用者保存寄存器和标志位
func (a *Assembler) CPushAll() { a.PushInsn(Insn{Op: OpCPushAll}) }

// CPopAll 恢复 CPushAll 保存的寄存器
func (a *Assembler) CPopAll() { a.PushInsn(Insn{Op: OpCPopAll}) }

// FrameSetup 建立本地栈帧，slotCount 在寄存器分配后回填
func (a *Assembler) FrameSetup(preserved []Reg) {
	a.PushInsn(Insn{Op: OpFrameSetup, Preserved: preserved})
}

// FrameTeardown 拆除本地栈帧
func (a *Assembler) FrameTeardown(preserved []Reg) {
	a.PushInsn(Insn{Op: OpFrameTeardown, Preserved: preserved})
}

// IncrCounter 原子地把 value 加到计数器
func (a *Assembler) IncrCounter(mem, value Opnd) {
	a.PushInsn(Insn{Op: OpIncrCounter, Opnds: []Opnd{mem, value}})
}

// Comment 在生成代码中附加注释
func (a *Assembler) Comment(text string) {
	a.PushInsn(Insn{Op: OpComment, Text: text})
}

// Breakpoint 调试断点
func (a *Assembler) Breakpoint() { a.PushInsn(Insn{Op: OpBreakpoint}) }

// PosMarker 发射时回调当前写入位置
func (a *Assembler) PosMarker(f PosMarkerFunc) {
	a.PushInsn(Insn{Op: OpPosMarker, Marker: f})
}
