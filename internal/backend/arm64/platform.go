// platform.go - ARM64 后端平台描述
//
// 寄存器约定（AAPCS64）：
// - 参数传递：X0-X7
// - 返回值：X0
// - 调用者保存：X0-X18
// - 被调用者保存：X19-X28
// - X29 帧指针，X30 链接寄存器，SP 必须 16 字节对齐
//
// 寄存器用途划分：
// - X0-X13: 分配给虚拟寄存器
// - X16: 分配器临时寄存器
// - X17: 发射器临时寄存器（装入立即数、溢出的操作数）
// - X14: 第二个操作数的临时寄存器，以及乘法溢出检查
// - X15: 地址计算（偏移无法直接编码时）
// - X19: 当前控制帧，X20: 执行上下文，X21: 解释器 SP

package arm64

import (
	arm64enc "github.com/tangzhangming/novajit/internal/asm/arm64"
	"github.com/tangzhangming/novajit/internal/errors"
	"github.com/tangzhangming/novajit/internal/lir"
)

// Name 平台名称
const Name = "arm64"

// TrapByte 新页的填充字节（全零是 UDF #0）
const TrapByte = 0x00

// 发射器临时寄存器，都不参与分配
const (
	scratch0    = arm64enc.X17
	scratch1    = arm64enc.X14
	addrScratch = arm64enc.X15
)

// reg 64 位 LIR 寄存器
func reg(r arm64enc.Reg) lir.Reg {
	return lir.Reg{No: uint8(r), Bits: 64}
}

func regRange(from, to arm64enc.Reg) []lir.Reg {
	out := make([]lir.Reg, 0, to-from+1)
	for r := from; r <= to; r++ {
		out = append(out, reg(r))
	}
	return out
}

// Platform 返回 ARM64 平台描述
func Platform() *lir.Platform {
	return &lir.Platform{
		Name:      Name,
		AllocRegs: regRange(arm64enc.X0, arm64enc.X13),
		CArgRegs:  regRange(arm64enc.X0, arm64enc.X7),
		CRetReg:   reg(arm64enc.X0),
		Scratch:   reg(arm64enc.X16),
		StackPtr:  reg(arm64enc.SP),
		FramePtr:  reg(arm64enc.X29),
		CFP:       reg(arm64enc.X19),
		EC:        reg(arm64enc.X20),
		SP:        reg(arm64enc.X21),
		// 成对压栈，标志位单独占一个 16 字节槽
		CallerSaved: regRange(arm64enc.X0, arm64enc.X17),
		AlignPushes: false,
		RegNames:    arm64enc.RegNames(),
	}
}

// ============================================================================
// 后端
// ============================================================================

// Backend ARM64 后端
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

// imm12 立即数能否直接编码进 add/sub/cmp
func imm12(o lir.Opnd) bool {
	return (o.Kind == lir.OpndImm || o.Kind == lir.OpndUImm) && arm64enc.Imm12Encodable(o.ImmValue())
}

// inReg 操作数在分配前是否位于（虚拟）寄存器中
func inReg(o lir.Opnd) bool {
	return o.IsReg() || o.IsVReg()
}
