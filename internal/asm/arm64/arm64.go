// arm64.go - ARM64 汇编器
//
// 本文件实现了 ARM64 (AArch64) 机器码编码，直接写入 CodeBlock。
//
// ARM64 指令特点：
// - 固定 32 位指令长度
// - 31 个通用寄存器 (X0-X30) + SP + ZR
// - 加载/存储架构（不支持内存直接运算）
//
// 跳转到标签时预留 4 字节并记录 LabelRef，链接时由编码函数写出完整指令。
// 偏移超出指令能表示的范围时设置 dropped bytes 标志。

package arm64

import (
	"fmt"

	"github.com/tangzhangming/novajit/internal/asm"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// ============================================================================
// ARM64 寄存器定义
// ============================================================================

// Reg ARM64 寄存器
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16 // IP0 - 过程内调用暂存器
	X17 // IP1
	X18 // 平台寄存器
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29 // FP - 帧指针
	X30 // LR - 链接寄存器

	// SP 与 XZR 共享编码，由指令决定含义
	SP  Reg = 31
	XZR Reg = 31
)

// RegNames 寄存器名称表（按编号索引）
func RegNames() []string {
	names := make([]string, 32)
	for i := 0; i < 29; i++ {
		names[i] = fmt.Sprintf("x%d", i)
	}
	names[29] = "fp"
	names[30] = "lr"
	names[31] = "sp"
	return names
}

// String 返回寄存器名称
func (r Reg) String() string {
	switch {
	case r <= X28:
		return fmt.Sprintf("x%d", r)
	case r == X29:
		return "fp"
	case r == X30:
		return "lr"
	case r == SP:
		return "sp"
	default:
		return "???"
	}
}

func (r Reg) enc() uint32 {
	return uint32(r) & 0x1F
}

// Cond 条件码
type Cond uint32

const (
	CondEQ Cond = 0x0 // 等于
	CondNE Cond = 0x1 // 不等于
	CondHS Cond = 0x2 // 无符号大于等于
	CondLO Cond = 0x3 // 无符号小于
	CondMI Cond = 0x4
	CondPL Cond = 0x5
	CondVS Cond = 0x6 // 溢出
	CondVC Cond = 0x7
	CondHI Cond = 0x8 // 无符号大于
	CondLS Cond = 0x9 // 无符号小于等于
	CondGE Cond = 0xA // 大于等于
	CondLT Cond = 0xB // 小于（有符号）
	CondGT Cond = 0xC // 大于
	CondLE Cond = 0xD // 小于等于
	CondAL Cond = 0xE
)

// Invert 反转条件
func (c Cond) Invert() Cond {
	return c ^ 1
}

// ============================================================================
// 汇编器
// ============================================================================

// Assembler ARM64 汇编器
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

// emit 写入 32 位指令
func (a *Assembler) emit(instr uint32) {
	a.cb.WriteInt(uint64(instr), 32)
}

// sf 64 位操作时返回 sf 位
func sf(bits uint8) uint32 {
	if bits == 64 {
		return 1 << 31
	}
	return 0
}

// ============================================================================
// 数据移动指令
// ============================================================================

// MovReg 寄存器到寄存器: mov dst, src
func (a *Assembler) MovReg(dst, src Reg, bits uint8) {
	// ORR Xd, XZR, Xm (mov alias)
	a.emit(0x2A0003E0 | sf(bits) | src.enc()<<16 | dst.enc())
}

// Movz 加载 16 位立即数: movz dst, imm, lsl #shift
func (a *Assembler) Movz(dst Reg, imm uint16, shift int) {
	hw := uint32(shift / 16)
	a.emit(0xD2800000 | hw<<21 | uint32(imm)<<5 | dst.enc())
}

// Movk 移动保持: movk dst, imm, lsl #shift
func (a *Assembler) Movk(dst Reg, imm uint16, shift int) {
	hw := uint32(shift / 16)
	a.emit(0xF2800000 | hw<<21 | uint32(imm)<<5 | dst.enc())
}

// Movn 取反加载: movn dst, imm, lsl #shift
func (a *Assembler) Movn(dst Reg, imm uint16, shift int) {
	hw := uint32(shift / 16)
	a.emit(0x92800000 | hw<<21 | uint32(imm)<<5 | dst.enc())
}

// MovImm 加载 64 位立即数，使用 MOVZ/MOVN + MOVK 序列
func (a *Assembler) MovImm(dst Reg, imm uint64) {
	if int64(imm) < 0 && int64(imm) >= -(1<<16) {
		a.Movn(dst, uint16(^imm), 0)
		return
	}
	a.Movz(dst, uint16(imm), 0)
	for shift := 16; shift < 64; shift += 16 {
		if chunk := uint16(imm >> shift); chunk != 0 {
			a.Movk(dst, chunk, shift)
		}
	}
}

// LdrLiteral64 把 64 位常量内嵌在指令流中并加载，返回常量所在的位置
//
//	ldr dst, #8
//	b #12
//	.quad imm
func (a *Assembler) LdrLiteral64(dst Reg, imm uint64) int {
	a.emit(0x58000000 | 2<<5 | dst.enc())
	a.emit(0x14000003)
	pos := a.cb.WritePos()
	a.cb.WriteInt(imm, 64)
	return pos
}

// ============================================================================
// 内存访问
// ============================================================================

// sizeBits 返回访问宽度对应的 size 字段
func sizeBits(bits uint8) uint32 {
	switch bits {
	case 8:
		return 0
	case 16:
		return 1
	case 32:
		return 2
	case 64:
		return 3
	}
	panic(fmt.Sprintf("unsupported memory access width %d", bits))
}

// MemOffsetEncodable 偏移能否直接编码进加载/存储指令
func MemOffsetEncodable(bits uint8, offset int32) bool {
	scale := int32(bits / 8)
	if offset >= 0 && offset%scale == 0 && offset/scale <= 4095 {
		return true
	}
	return offset >= -256 && offset <= 255
}

// ldst 编码加载/存储；opc: 0=store 1=load 2=load signed (64 位目标)
func (a *Assembler) ldst(opc uint32, rt, base Reg, offset int32, bits uint8) {
	size := sizeBits(bits)
	scale := int32(bits / 8)
	switch {
	case offset >= 0 && offset%scale == 0 && offset/scale <= 4095:
		// unsigned offset
		imm12 := uint32(offset / scale)
		a.emit(0x39000000 | size<<30 | opc<<22 | imm12<<10 | base.enc()<<5 | rt.enc())
	case offset >= -256 && offset <= 255:
		// LDUR/STUR
		imm9 := uint32(offset) & 0x1FF
		a.emit(0x38000000 | size<<30 | opc<<22 | imm9<<12 | base.enc()<<5 | rt.enc())
	default:
		panic(fmt.Sprintf("memory offset %d is not encodable", offset))
	}
}

// Ldr 从内存加载（零扩展）: ldr dst, [base, #offset]
func (a *Assembler) Ldr(dst, base Reg, offset int32, bits uint8) {
	a.ldst(1, dst, base, offset, bits)
}

// Ldrsw 符号扩展加载 32 位: ldrsw dst, [base, #offset]
func (a *Assembler) Ldrsw(dst, base Reg, offset int32) {
	a.ldst(2, dst, base, offset, 32)
}

// Str 存储到内存: str src, [base, #offset]
func (a *Assembler) Str(src, base Reg, offset int32, bits uint8) {
	a.ldst(0, src, base, offset, bits)
}

// StrPre 压栈: str src, [base, #offset]!
func (a *Assembler) StrPre(src, base Reg, offset int32) {
	imm9 := uint32(offset) & 0x1FF
	a.emit(0xF8000C00 | imm9<<12 | base.enc()<<5 | src.enc())
}

// LdrPost 出栈: ldr dst, [base], #offset
func (a *Assembler) LdrPost(dst, base Reg, offset int32) {
	imm9 := uint32(offset) & 0x1FF
	a.emit(0xF8400400 | imm9<<12 | base.enc()<<5 | dst.enc())
}

// StpPre 存储寄存器对（预索引）: stp rt1, rt2, [base, #offset]!
func (a *Assembler) StpPre(rt1, rt2, base Reg, offset int32) {
	imm7 := uint32((offset / 8) & 0x7F)
	a.emit(0xA9800000 | imm7<<15 | rt2.enc()<<10 | base.enc()<<5 | rt1.enc())
}

// LdpPost 加载寄存器对（后索引）: ldp rt1, rt2, [base], #offset
func (a *Assembler) LdpPost(rt1, rt2, base Reg, offset int32) {
	imm7 := uint32((offset / 8) & 0x7F)
	a.emit(0xA8C00000 | imm7<<15 | rt2.enc()<<10 | base.enc()<<5 | rt1.enc())
}

// Ldaddal 原子加法: ldaddal rs, rt, [rn]
func (a *Assembler) Ldaddal(rs, rt, rn Reg) {
	a.emit(0xF8E00000 | rs.enc()<<16 | rn.enc()<<5 | rt.enc())
}

// ============================================================================
// 算术指令
// ============================================================================

// addSubReg 编码 ADD/SUB (shifted register)
func (a *Assembler) addSubReg(op uint32, dst, src1, src2 Reg, bits uint8) {
	a.emit(op | sf(bits) | src2.enc()<<16 | src1.enc()<<5 | dst.enc())
}

// Add 加法: add dst, src1, src2
func (a *Assembler) Add(dst, src1, src2 Reg, bits uint8) {
	a.addSubReg(0x0B000000, dst, src1, src2, bits)
}

// Adds 加法并设置标志位: adds dst, src1, src2
func (a *Assembler) Adds(dst, src1, src2 Reg, bits uint8) {
	a.addSubReg(0x2B000000, dst, src1, src2, bits)
}

// Sub 减法: sub dst, src1, src2
func (a *Assembler) Sub(dst, src1, src2 Reg, bits uint8) {
	a.addSubReg(0x4B000000, dst, src1, src2, bits)
}

// Subs 减法并设置标志位: subs dst, src1, src2
func (a *Assembler) Subs(dst, src1, src2 Reg, bits uint8) {
	a.addSubReg(0x6B000000, dst, src1, src2, bits)
}

// Cmp 比较: cmp src1, src2
func (a *Assembler) Cmp(src1, src2 Reg, bits uint8) {
	a.Subs(XZR, src1, src2, bits)
}

// Imm12Encodable 立即数能否编码为 ADD/SUB 的 imm12
func Imm12Encodable(imm int64) bool {
	return imm >= 0 && imm <= 4095
}

// addSubImm 编码 ADD/SUB (immediate)
func (a *Assembler) addSubImm(op uint32, dst, src Reg, imm uint32, bits uint8) {
	if imm > 4095 {
		panic(fmt.Sprintf("immediate %d does not fit in imm12", imm))
	}
	a.emit(op | sf(bits) | imm<<10 | src.enc()<<5 | dst.enc())
}

// AddImm 加法立即数: add dst, src, #imm12（寄存器 31 表示 SP）
func (a *Assembler) AddImm(dst, src Reg, imm uint32, bits uint8) {
	a.addSubImm(0x11000000, dst, src, imm, bits)
}

// AddsImm 加法立即数并设置标志位
func (a *Assembler) AddsImm(dst, src Reg, imm uint32, bits uint8) {
	a.addSubImm(0x31000000, dst, src, imm, bits)
}

// SubImm 减法立即数: sub dst, src, #imm12
func (a *Assembler) SubImm(dst, src Reg, imm uint32, bits uint8) {
	a.addSubImm(0x51000000, dst, src, imm, bits)
}

// SubsImm 减法立即数并设置标志位
func (a *Assembler) SubsImm(dst, src Reg, imm uint32, bits uint8) {
	a.addSubImm(0x71000000, dst, src, imm, bits)
}

// CmpImm 比较立即数: cmp src, #imm12
func (a *Assembler) CmpImm(src Reg, imm uint32, bits uint8) {
	a.SubsImm(XZR, src, imm, bits)
}

// Mul 乘法: mul dst, src1, src2
func (a *Assembler) Mul(dst, src1, src2 Reg, bits uint8) {
	// MADD Xd, Xn, Xm, XZR (mul alias)
	a.emit(0x1B007C00 | sf(bits) | src2.enc()<<16 | src1.enc()<<5 | dst.enc())
}

// Smulh 有符号乘法高 64 位: smulh dst, src1, src2
func (a *Assembler) Smulh(dst, src1, src2 Reg) {
	a.emit(0x9B407C00 | src2.enc()<<16 | src1.enc()<<5 | dst.enc())
}

// ============================================================================
// 位运算指令
// ============================================================================

// And 位与: and dst, src1, src2
func (a *Assembler) And(dst, src1, src2 Reg, bits uint8) {
	a.emit(0x0A000000 | sf(bits) | src2.enc()<<16 | src1.enc()<<5 | dst.enc())
}

// Ands 位与并设置标志位
func (a *Assembler) Ands(dst, src1, src2 Reg, bits uint8) {
	a.emit(0x6A000000 | sf(bits) | src2.enc()<<16 | src1.enc()<<5 | dst.enc())
}

// Tst 测试: tst src1, src2
func (a *Assembler) Tst(src1, src2 Reg, bits uint8) {
	a.Ands(XZR, src1, src2, bits)
}

// Orr 位或: orr dst, src1, src2
func (a *Assembler) Orr(dst, src1, src2 Reg, bits uint8) {
	a.emit(0x2A000000 | sf(bits) | src2.enc()<<16 | src1.enc()<<5 | dst.enc())
}

// Eor 位异或: eor dst, src1, src2
func (a *Assembler) Eor(dst, src1, src2 Reg, bits uint8) {
	a.emit(0x4A000000 | sf(bits) | src2.enc()<<16 | src1.enc()<<5 | dst.enc())
}

// Mvn 位非: mvn dst, src
func (a *Assembler) Mvn(dst, src Reg, bits uint8) {
	// ORN Xd, XZR, Xm (mvn alias)
	a.emit(0x2A2003E0 | sf(bits) | src.enc()<<16 | dst.enc())
}

// LslImm 逻辑左移立即数: lsl dst, src, #shift
func (a *Assembler) LslImm(dst, src Reg, shift uint32, bits uint8) {
	// UBFM Xd, Xn, #(-shift mod size), #(size-1-shift)
	size := uint32(bits)
	immr := (size - shift) % size
	imms := size - 1 - shift
	a.bfm(0x53000000, dst, src, immr, imms, bits)
}

// LsrImm 逻辑右移立即数: lsr dst, src, #shift
func (a *Assembler) LsrImm(dst, src Reg, shift uint32, bits uint8) {
	// UBFM Xd, Xn, #shift, #(size-1)
	a.bfm(0x53000000, dst, src, shift, uint32(bits)-1, bits)
}

// AsrImm 算术右移立即数: asr dst, src, #shift
func (a *Assembler) AsrImm(dst, src Reg, shift uint32, bits uint8) {
	// SBFM Xd, Xn, #shift, #(size-1)
	a.bfm(0x13000000, dst, src, shift, uint32(bits)-1, bits)
}

// Sxtw 符号扩展 32 位: sxtw dst, src
func (a *Assembler) Sxtw(dst, src Reg) {
	// SBFM Xd, Xn, #0, #31
	a.bfm(0x13000000, dst, src, 0, 31, 64)
}

func (a *Assembler) bfm(op uint32, dst, src Reg, immr, imms uint32, bits uint8) {
	var n uint32
	if bits == 64 {
		n = 1 << 22
	}
	a.emit(op | sf(bits) | n | (immr&0x3F)<<16 | (imms&0x3F)<<10 | src.enc()<<5 | dst.enc())
}

// shiftReg 编码可变移位（LSLV/LSRV/ASRV）
func (a *Assembler) shiftReg(op2 uint32, dst, src, shift Reg, bits uint8) {
	a.emit(0x1AC02000 | sf(bits) | op2<<10 | shift.enc()<<16 | src.enc()<<5 | dst.enc())
}

// Lslv 逻辑左移寄存器: lsl dst, src, shift
func (a *Assembler) Lslv(dst, src, shift Reg, bits uint8) { a.shiftReg(0, dst, src, shift, bits) }

// Lsrv 逻辑右移寄存器: lsr dst, src, shift
func (a *Assembler) Lsrv(dst, src, shift Reg, bits uint8) { a.shiftReg(1, dst, src, shift, bits) }

// Asrv 算术右移寄存器: asr dst, src, shift
func (a *Assembler) Asrv(dst, src, shift Reg, bits uint8) { a.shiftReg(2, dst, src, shift, bits) }

// Csel 条件选择: csel dst, truthy, falsy, cond
func (a *Assembler) Csel(dst, truthy, falsy Reg, cond Cond, bits uint8) {
	a.emit(0x1A800000 | sf(bits) | falsy.enc()<<16 | uint32(cond)<<12 | truthy.enc()<<5 | dst.enc())
}

// MrsNZCV 读取标志位: mrs dst, nzcv
func (a *Assembler) MrsNZCV(dst Reg) {
	a.emit(0xD53B4200 | dst.enc())
}

// MsrNZCV 写入标志位: msr nzcv, src
func (a *Assembler) MsrNZCV(src Reg) {
	a.emit(0xD51B4200 | src.enc())
}

// ============================================================================
// 跳转指令
// ============================================================================

// branchEncoder 返回回填 imm 字段的编码函数
//
// base 是不含偏移的指令，width/shift 描述偏移字段。
func branchEncoder(base uint32, width, shift uint) asm.LabelEncoder {
	return func(cb *asm.CodeBlock, src, dst int64) {
		// src 是引用结束位置，指令起点为 src-4
		off := (dst - (src - 4)) / 4
		limit := int64(1) << (width - 1)
		if off < -limit || off >= limit {
			cb.DropBytes()
			off = 0
		}
		mask := uint32(1)<<width - 1
		cb.WriteInt(uint64(base|(uint32(off)&mask)<<shift), 32)
	}
}

// B 无条件跳转到标签
func (a *Assembler) B(l asm.Label) {
	a.cb.LabelRef(l, 4, branchEncoder(0x14000000, 26, 0))
}

// Bl 调用标签
func (a *Assembler) Bl(l asm.Label) {
	a.cb.LabelRef(l, 4, branchEncoder(0x94000000, 26, 0))
}

// Bcond 条件跳转: b.cond label
func (a *Assembler) Bcond(cond Cond, l asm.Label) {
	a.cb.LabelRef(l, 4, branchEncoder(0x54000000|uint32(cond), 19, 5))
}

// Cbz 比较为零跳转: cbz reg, label
func (a *Assembler) Cbz(reg Reg, l asm.Label, bits uint8) {
	a.cb.LabelRef(l, 4, branchEncoder(0x34000000|sf(bits)|reg.enc(), 19, 5))
}

// Cbnz 比较非零跳转: cbnz reg, label
func (a *Assembler) Cbnz(reg Reg, l asm.Label, bits uint8) {
	a.cb.LabelRef(l, 4, branchEncoder(0x35000000|sf(bits)|reg.enc(), 19, 5))
}

// Adr 取标签地址: adr dst, label
func (a *Assembler) Adr(dst Reg, l asm.Label) {
	a.cb.LabelRef(l, 4, func(cb *asm.CodeBlock, src, target int64) {
		off := target - (src - 4)
		if off < -(1<<20) || off >= 1<<20 {
			cb.DropBytes()
			off = 0
		}
		immlo := uint32(off) & 0x3
		immhi := (uint32(off) >> 2) & 0x7FFFF
		cb.WriteInt(uint64(0x10000000|immlo<<29|immhi<<5|dst.enc()), 32)
	})
}

// branchOffset 当前位置到 target 的指令偏移，超出 width 位范围时返回 false
func (a *Assembler) branchOffset(target virtualmem.CodePtr, width uint) (uint32, bool) {
	off := (int64(target.Offset()) - int64(a.cb.WritePos())) / 4
	limit := int64(1) << (width - 1)
	if off < -limit || off >= limit {
		return 0, false
	}
	return uint32(off) & (1<<width - 1), true
}

// BPtr 跳转到同一代码块中的固定位置
func (a *Assembler) BPtr(target virtualmem.CodePtr) {
	off, ok := a.branchOffset(target, 26)
	if !ok {
		a.cb.DropBytes()
	}
	a.emit(0x14000000 | off)
}

// BcondPtr 条件跳转到同一代码块中的固定位置
func (a *Assembler) BcondPtr(cond Cond, target virtualmem.CodePtr) {
	off, ok := a.branchOffset(target, 19)
	if !ok {
		a.cb.DropBytes()
	}
	a.emit(0x54000000 | off<<5 | uint32(cond))
}

// Br 间接跳转: br reg
func (a *Assembler) Br(reg Reg) {
	a.emit(0xD61F0000 | reg.enc()<<5)
}

// Blr 间接调用: blr reg
func (a *Assembler) Blr(reg Reg) {
	a.emit(0xD63F0000 | reg.enc()<<5)
}

// Ret 返回（使用 X30）
func (a *Assembler) Ret() {
	a.emit(0xD65F03C0)
}

// Brk 断点: brk #imm
func (a *Assembler) Brk(imm uint16) {
	a.emit(0xD4200000 | uint32(imm)<<5)
}

// Nop 空指令
func (a *Assembler) Nop() {
	a.emit(0xD503201F)
}
