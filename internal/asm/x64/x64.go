// x64.go - x86-64 汇编器
//
// 本文件实现了 x86-64 机器码编码，直接写入 CodeBlock。
// 跳转到标签时通过 CodeBlock.LabelRef 预留 rel32，由链接阶段回填。
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// REX 前缀：用于扩展寄存器和操作数大小
// - REX.W: 64 位操作数
// - REX.R: 扩展 ModR/M.reg 字段
// - REX.X: 扩展 SIB.index 字段
// - REX.B: 扩展 ModR/M.r/m 或 SIB.base 字段

package x64

import (
	"fmt"

	"github.com/tangzhangming/novajit/internal/asm"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// ============================================================================
// x86-64 寄存器定义
// ============================================================================

// Reg x86-64 通用寄存器
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegNames 寄存器名称表
func RegNames() []string {
	return append([]string(nil), regNames...)
}

// String 返回寄存器名称
func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "???"
}

// IsExtended 检查是否是扩展寄存器（需要 REX 前缀）
func (r Reg) IsExtended() bool {
	return r >= R8
}

// LowBits 获取寄存器编码的低 3 位
func (r Reg) LowBits() byte {
	return byte(r) & 0x7
}

// Cond 条件码（Jcc/CMOVcc/SETcc 操作码的低 4 位）
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// ============================================================================
// 操作数
// ============================================================================

// Operand 寄存器或内存操作数（ModR/M 的 r/m 部分）
type Operand struct {
	isMem bool
	Reg   Reg   // 寄存器，或内存基址
	Disp  int32 // 内存位移
	Bits  uint8
}

// R 寄存器操作数
func R(r Reg, bits uint8) Operand {
	return Operand{Reg: r, Bits: bits}
}

// R64 64 位寄存器操作数
func R64(r Reg) Operand {
	return R(r, 64)
}

// M 内存操作数 [base + disp]
func M(bits uint8, base Reg, disp int32) Operand {
	return Operand{isMem: true, Reg: base, Disp: disp, Bits: bits}
}

// IsMem 是否为内存操作数
func (o Operand) IsMem() bool {
	return o.isMem
}

func (o Operand) String() string {
	if o.isMem {
		return fmt.Sprintf("qword [%s%+d]", o.Reg, o.Disp)
	}
	return o.Reg.String()
}

// ============================================================================
// 汇编器
// ============================================================================

// Assembler x86-64 汇编器
type Assembler struct {
	cb *asm.CodeBlock
}

// New 创建写入 cb 的汇编器
func New(cb *asm.CodeBlock) *Assembler {
	return &Assembler{cb: cb}
}

// CodeBlock 返回目标代码块
func (a *Assembler) CodeBlock() *asm.CodeBlock {
	return a.cb
}

// ============================================================================
// 底层编码方法
// ============================================================================

// emit 写入字节
func (a *Assembler) emit(bytes ...byte) {
	a.cb.WriteBytes(bytes...)
}

// emitU32 写入 32 位值（小端序）
func (a *Assembler) emitU32(v uint32) {
	a.cb.WriteInt(uint64(v), 32)
}

// emitU64 写入 64 位值（小端序）
func (a *Assembler) emitU64(v uint64) {
	a.cb.WriteInt(v, 64)
}

// rex 构造 REX 前缀
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm 构造 ModR/M 字节
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// emitMemOperand 生成内存操作数编码
func (a *Assembler) emitMemOperand(reg byte, base Reg, offset int32) {
	baseCode := base.LowBits()

	// RSP/R12 需要 SIB 字节
	needSIB := baseCode == 4

	var mod byte
	switch {
	case offset == 0 && baseCode != 5:
		// [base]，RBP/R13 没有 mod=0 形式
		mod = 0
	case offset >= -128 && offset <= 127:
		mod = 1
	default:
		mod = 2
	}

	if needSIB {
		a.emit(modrm(mod, reg, 4), 0x24)
	} else {
		a.emit(modrm(mod, reg, baseCode))
	}
	switch mod {
	case 1:
		a.emit(byte(offset))
	case 2:
		a.emitU32(uint32(offset))
	}
}

// emitRM 编码 [前缀] [REX] 操作码 ModR/M
//
// 8 位操作使用 opcode8，其余宽度使用 opcode。
func (a *Assembler) emitRM(opcode8, opcode []byte, reg byte, rm Operand) {
	regExt := reg >= 8
	if rm.Bits == 16 {
		a.emit(0x66)
	}
	needRex := rm.Bits == 64 || regExt || rm.Reg.IsExtended()
	// 8 位寄存器 SPL/BPL/SIL/DIL 需要 REX
	if rm.Bits == 8 && ((!rm.isMem && rm.Reg >= RSP && rm.Reg <= RDI) || (reg >= 4 && reg <= 7)) {
		needRex = true
	}
	if needRex {
		a.emit(rex(rm.Bits == 64, regExt, false, rm.Reg.IsExtended()))
	}
	if rm.Bits == 8 {
		if opcode8 == nil {
			panic("8-bit operand not supported for this instruction")
		}
		a.emit(opcode8...)
	} else {
		a.emit(opcode...)
	}
	if rm.isMem {
		a.emitMemOperand(reg, rm.Reg, rm.Disp)
	} else {
		a.emit(modrm(3, reg, rm.Reg.LowBits()))
	}
}

// ============================================================================
// 数据移动指令
// ============================================================================

// MovRR 寄存器到寄存器: mov dst, src
func (a *Assembler) MovRR(dst, src Reg) {
	a.emitRM(nil, []byte{0x89}, byte(src), R64(dst))
}

// MovStore 存储到 r/m: mov rm, src
func (a *Assembler) MovStore(dst Operand, src Reg) {
	a.emitRM([]byte{0x88}, []byte{0x89}, byte(src), dst)
}

// MovLoad 从 r/m 加载: mov dst, rm
func (a *Assembler) MovLoad(dst Reg, src Operand) {
	a.emitRM([]byte{0x8A}, []byte{0x8B}, byte(dst), src)
}

// MovImm 加载立即数，选择最短编码
func (a *Assembler) MovImm(dst Reg, imm uint64) {
	switch {
	case imm <= 0xFFFFFFFF:
		// mov r32, imm32（零扩展）
		if dst.IsExtended() {
			a.emit(rex(false, false, false, true))
		}
		a.emit(0xB8 + dst.LowBits())
		a.emitU32(uint32(imm))
	case int64(imm) >= -(1<<31) && int64(imm) < 1<<31:
		// mov r64, imm32（符号扩展）
		a.emit(rex(true, false, false, dst.IsExtended()), 0xC7, modrm(3, 0, dst.LowBits()))
		a.emitU32(uint32(imm))
	default:
		a.MovImm64(dst, imm)
	}
}

// MovImm64 加载 64 位立即数: movabs reg, imm64
func (a *Assembler) MovImm64(dst Reg, imm uint64) {
	a.emit(rex(true, false, false, dst.IsExtended()), 0xB8+dst.LowBits())
	a.emitU64(imm)
}

// MovStoreImm 存储符号扩展的 32 位立即数: mov rm, imm32
func (a *Assembler) MovStoreImm(dst Operand, imm int32) {
	a.emitRM([]byte{0xC6}, []byte{0xC7}, 0, dst)
	switch dst.Bits {
	case 8:
		a.emit(byte(imm))
	case 16:
		a.cb.WriteInt(uint64(uint16(imm)), 16)
	default:
		a.emitU32(uint32(imm))
	}
}

// Movzx 零扩展加载 8/16 位: movzx dst, rm
func (a *Assembler) Movzx(dst Reg, src Operand) {
	var op byte = 0xB6
	if src.Bits == 16 {
		op = 0xB7
	}
	if dst.IsExtended() || src.Reg.IsExtended() || (!src.isMem && src.Reg >= RSP) {
		a.emit(rex(false, dst.IsExtended(), false, src.Reg.IsExtended()))
	}
	a.emit(0x0F, op)
	a.emitModRM(byte(dst), src)
}

// Movsx 符号扩展加载: movsx/movsxd dst, rm
func (a *Assembler) Movsx(dst Reg, src Operand) {
	a.emit(rex(true, dst.IsExtended(), false, src.Reg.IsExtended()))
	switch src.Bits {
	case 8:
		a.emit(0x0F, 0xBE)
	case 16:
		a.emit(0x0F, 0xBF)
	case 32:
		a.emit(0x63)
	default:
		panic(fmt.Sprintf("movsx from %d bits", src.Bits))
	}
	a.emitModRM(byte(dst), src)
}

// emitModRM 只编码 ModR/M（及 SIB、位移）
func (a *Assembler) emitModRM(reg byte, rm Operand) {
	if rm.isMem {
		a.emitMemOperand(reg, rm.Reg, rm.Disp)
	} else {
		a.emit(modrm(3, reg, rm.Reg.LowBits()))
	}
}

// Lea 计算有效地址: lea dst, [base+disp]
func (a *Assembler) Lea(dst Reg, src Operand) {
	if !src.isMem {
		panic("lea requires a memory operand")
	}
	src.Bits = 64
	a.emitRM(nil, []byte{0x8D}, byte(dst), src)
}

// LeaLabel 取标签地址: lea dst, [rip+rel32]
func (a *Assembler) LeaLabel(dst Reg, l asm.Label) {
	a.emit(rex(true, dst.IsExtended(), false, false), 0x8D, modrm(0, dst.LowBits(), 5))
	a.cb.LabelRef(l, 4, encodeRel32)
}

// ============================================================================
// 算术与位运算指令
// ============================================================================

// AluOp ALU 操作（ModR/M.reg 扩展码）
type AluOp byte

const (
	AluAdd AluOp = 0
	AluOr  AluOp = 1
	AluAnd AluOp = 4
	AluSub AluOp = 5
	AluXor AluOp = 6
	AluCmp AluOp = 7
)

// AluRM op rm, src: add/or/and/sub/xor/cmp rm, reg
func (a *Assembler) AluRM(op AluOp, dst Operand, src Reg) {
	base := byte(op) << 3
	a.emitRM([]byte{base}, []byte{base + 1}, byte(src), dst)
}

// AluLoad op dst, rm: add/or/and/sub/xor/cmp reg, rm
func (a *Assembler) AluLoad(op AluOp, dst Reg, src Operand) {
	base := byte(op) << 3
	a.emitRM([]byte{base + 2}, []byte{base + 3}, byte(dst), src)
}

// AluImm op rm, imm32（可能编码为 imm8）
func (a *Assembler) AluImm(op AluOp, dst Operand, imm int32) {
	switch {
	case dst.Bits == 8:
		a.emitRM([]byte{0x80}, nil, byte(op), dst)
		a.emit(byte(imm))
	case imm >= -128 && imm <= 127:
		a.emitRM(nil, []byte{0x83}, byte(op), dst)
		a.emit(byte(imm))
	default:
		a.emitRM(nil, []byte{0x81}, byte(op), dst)
		if dst.Bits == 16 {
			a.cb.WriteInt(uint64(uint16(imm)), 16)
		} else {
			a.emitU32(uint32(imm))
		}
	}
}

// TestRM test rm, reg
func (a *Assembler) TestRM(dst Operand, src Reg) {
	a.emitRM([]byte{0x84}, []byte{0x85}, byte(src), dst)
}

// TestImm test rm, imm32
func (a *Assembler) TestImm(dst Operand, imm int32) {
	a.emitRM([]byte{0xF6}, []byte{0xF7}, 0, dst)
	switch dst.Bits {
	case 8:
		a.emit(byte(imm))
	case 16:
		a.cb.WriteInt(uint64(uint16(imm)), 16)
	default:
		a.emitU32(uint32(imm))
	}
}

// IMul 有符号乘法: imul dst, rm
func (a *Assembler) IMul(dst Reg, src Operand) {
	a.emitRM(nil, []byte{0x0F, 0xAF}, byte(dst), src)
}

// IMulImm 立即数乘法: imul dst, rm, imm32
func (a *Assembler) IMulImm(dst Reg, src Operand, imm int32) {
	if imm >= -128 && imm <= 127 {
		a.emitRM(nil, []byte{0x6B}, byte(dst), src)
		a.emit(byte(imm))
	} else {
		a.emitRM(nil, []byte{0x69}, byte(dst), src)
		a.emitU32(uint32(imm))
	}
}

// Not 位非: not rm
func (a *Assembler) Not(dst Operand) {
	a.emitRM([]byte{0xF6}, []byte{0xF7}, 2, dst)
}

// ShiftOp 移位操作（ModR/M.reg 扩展码）
type ShiftOp byte

const (
	ShiftShl ShiftOp = 4
	ShiftShr ShiftOp = 5
	ShiftSar ShiftOp = 7
)

// ShiftImm 移位立即数: shl/shr/sar rm, imm8
func (a *Assembler) ShiftImm(op ShiftOp, dst Operand, imm byte) {
	if imm == 1 {
		a.emitRM([]byte{0xD0}, []byte{0xD1}, byte(op), dst)
		return
	}
	a.emitRM([]byte{0xC0}, []byte{0xC1}, byte(op), dst)
	a.emit(imm)
}

// Cmov 条件移动: cmovcc dst, rm
func (a *Assembler) Cmov(cc Cond, dst Reg, src Operand) {
	a.emitRM(nil, []byte{0x0F, 0x40 + byte(cc)}, byte(dst), src)
}

// LockAdd 原子加法: lock add rm, reg
func (a *Assembler) LockAdd(dst Operand, src Reg) {
	a.emit(0xF0)
	a.AluRM(AluAdd, dst, src)
}

// ============================================================================
// 栈操作
// ============================================================================

// Push 压栈: push reg
func (a *Assembler) Push(r Reg) {
	if r.IsExtended() {
		a.emit(0x41)
	}
	a.emit(0x50 + r.LowBits())
}

// Pop 出栈: pop reg
func (a *Assembler) Pop(r Reg) {
	if r.IsExtended() {
		a.emit(0x41)
	}
	a.emit(0x58 + r.LowBits())
}

// Pushfq 保存标志位
func (a *Assembler) Pushfq() { a.emit(0x9C) }

// Popfq 恢复标志位
func (a *Assembler) Popfq() { a.emit(0x9D) }

// ============================================================================
// 控制流指令
// ============================================================================

// encodeRel32 回填 rel32 标签引用
func encodeRel32(cb *asm.CodeBlock, src, dst int64) {
	cb.WriteInt(uint64(uint32(int32(dst-src))), 32)
}

// JmpLabel 跳转到标签: jmp rel32
func (a *Assembler) JmpLabel(l asm.Label) {
	a.emit(0xE9)
	a.cb.LabelRef(l, 4, encodeRel32)
}

// JccLabel 条件跳转到标签: jcc rel32
func (a *Assembler) JccLabel(cc Cond, l asm.Label) {
	a.emit(0x0F, 0x80+byte(cc))
	a.cb.LabelRef(l, 4, encodeRel32)
}

// rel32To 计算从当前位置的指令末尾（end 个字节后）到 target 的偏移
func (a *Assembler) rel32To(target virtualmem.CodePtr, insnLen int) (int32, bool) {
	src := int64(a.cb.WritePos() + insnLen)
	d := int64(target.Offset()) - src
	if d < -(1<<31) || d >= 1<<31 {
		return 0, false
	}
	return int32(d), true
}

// JmpPtr 跳转到同一代码块中的固定位置
func (a *Assembler) JmpPtr(target virtualmem.CodePtr) {
	d, ok := a.rel32To(target, 5)
	if !ok {
		a.cb.DropBytes()
	}
	a.emit(0xE9)
	a.emitU32(uint32(d))
}

// JccPtr 条件跳转到同一代码块中的固定位置
func (a *Assembler) JccPtr(cc Cond, target virtualmem.CodePtr) {
	d, ok := a.rel32To(target, 6)
	if !ok {
		a.cb.DropBytes()
	}
	a.emit(0x0F, 0x80+byte(cc))
	a.emitU32(uint32(d))
}

// JmpRM 间接跳转: jmp rm
func (a *Assembler) JmpRM(target Operand) {
	target.Bits = 32 // 不需要 REX.W
	a.emitRM(nil, []byte{0xFF}, 4, target)
}

// CallRM 间接调用: call rm
func (a *Assembler) CallRM(target Operand) {
	target.Bits = 32
	a.emitRM(nil, []byte{0xFF}, 2, target)
}

// Ret 返回
func (a *Assembler) Ret() { a.emit(0xC3) }

// Int3 断点
func (a *Assembler) Int3() { a.emit(0xCC) }

// Nop 单字节空指令
func (a *Assembler) Nop() { a.emit(0x90) }
