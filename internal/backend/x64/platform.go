// platform.go - x86-64 后端平台描述
//
// 寄存器约定（System V AMD64）：
// - 参数传递：RDI, RSI, RDX, RCX, R8, R9
// - 返回值：RAX
// - 调用者保存：RAX, RCX, RDX, RSI, RDI, R8-R11
// - 被调用者保存：RBX, RBP, R12-R15
// - 栈对齐：调用前 16 字节
//
// 寄存器用途划分：
// - RDI, RSI, RDX, RCX, R8, R9, RAX: 分配给虚拟寄存器
// - R11: 分配器临时寄存器（打破移动环、重载栈上基址、侧出口代码）
// - R10: 发射器临时寄存器（内存到内存移动、大立即数、调用目标）
// - RBX: 解释器 SP，R12: 执行上下文，R13: 当前控制帧
// - RBP: 帧指针，RSP: 栈指针

package x64

import (
	x64enc "github.com/tangzhangming/novajit/internal/asm/x64"
	"github.com/tangzhangming/novajit/internal/errors"
	"github.com/tangzhangming/novajit/internal/lir"
)

// Name 平台名称
const Name = "x86_64"

// TrapByte 新页的填充字节（PUSH DS，64 位模式下触发 #UD）
const TrapByte = 0x1E

// emitScratch 发射器临时寄存器，不参与分配
const emitScratch = x64enc.R10

// reg 64 位 LIR 寄存器
func reg(r x64enc.Reg) lir.Reg {
	return lir.Reg{No: uint8(r), Bits: 64}
}

func regs(rs ...x64enc.Reg) []lir.Reg {
	out := make([]lir.Reg, len(rs))
	for i, r := range rs {
		out[i] = reg(r)
	}
	return out
}

// Platform 返回 x86-64 平台描述
func Platform() *lir.Platform {
	return &lir.Platform{
		Name: Name,
		AllocRegs: regs(
			x64enc.RDI, x64enc.RSI, x64enc.RDX, x64enc.RCX,
			x64enc.R8, x64enc.R9, x64enc.RAX,
		),
		CArgRegs: regs(
			x64enc.RDI, x64enc.RSI, x64enc.RDX,
			x64enc.RCX, x64enc.R8, x64enc.R9,
		),
		CRetReg:  reg(x64enc.RAX),
		Scratch:  reg(x64enc.R11),
		StackPtr: reg(x64enc.RSP),
		FramePtr: reg(x64enc.RBP),
		CFP:      reg(x64enc.R13),
		SP:       reg(x64enc.RBX),
		EC:       reg(x64enc.R12),
		// 加上 pushfq 共 10 次压栈，保持 16 字节对齐
		CallerSaved: regs(
			x64enc.RAX, x64enc.RCX, x64enc.RDX, x64enc.RSI, x64enc.RDI,
			x64enc.R8, x64enc.R9, x64enc.R10, x64enc.R11,
		),
		AlignPushes: true,
		RegNames:    x64enc.RegNames(),
	}
}

// ============================================================================
// 后端
// ============================================================================

// Backend x86-64 后端
type Backend struct {
	model    *lir.ObjectModel
	platform *lir.Platform
}

// New 创建后端，model 为 nil 时使用默认对象模型
func New(model *lir.ObjectModel) *Backend {
	if model == nil {
		model = lir.DefaultObjectModel()
	}
	return &Backend{model: model, platform: Platform()}
}

// Platform 返回后端使用的平台描述
func (b *Backend) Platform() *lir.Platform {
	return b.platform
}

// TrapByte 新页的填充字节
func (b *Backend) TrapByte() byte {
	return TrapByte
}

// unsupported 构造不支持的降级错误
func unsupported(insn *lir.Insn, reason string) *errors.UnsupportedLoweringError {
	kinds := make([]string, len(insn.Opnds))
	for i, o := range insn.Opnds {
		kinds[i] = o.Kind.String()
	}
	return &errors.UnsupportedLoweringError{
		Platform: Name,
		Op:       insn.Op.String(),
		Opnds:    kinds,
		Reason:   reason,
	}
}

// fitsImm32 立即数能否作为符号扩展的 imm32 编码
func fitsImm32(v int64) bool {
	return v >= -(1<<31) && v < 1<<31
}

// needsRegister 操作数能否直接作为指令的立即数，不能时需要先装入寄存器
func (b *Backend) needsRegister(o lir.Opnd) bool {
	switch o.Kind {
	case lir.OpndValue:
		return b.model.IsHeapObject(lir.Value(o.Imm)) || !fitsImm32(o.ImmValue())
	case lir.OpndImm, lir.OpndUImm:
		return !fitsImm32(o.ImmValue())
	}
	return false
}
