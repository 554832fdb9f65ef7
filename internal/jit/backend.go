// backend.go - 平台后端接口

package jit

import (
	"github.com/tangzhangming/novajit/internal/asm"
	"github.com/tangzhangming/novajit/internal/backend/arm64"
	"github.com/tangzhangming/novajit/internal/backend/x64"
	"github.com/tangzhangming/novajit/internal/lir"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// Backend 目标平台后端
//
// Split 在寄存器分配之前把指令改写为平台可以直接编码的形式；
// Emit 在分配之后写出机器码，并返回内嵌堆对象引用的位置。
type Backend interface {
	Platform() *lir.Platform
	Split(in *lir.Assembler) *lir.Assembler
	Emit(a *lir.Assembler, cb *asm.CodeBlock) []virtualmem.CodePtr
	TrapByte() byte
}

// NewBackend 按目标名称创建后端
func NewBackend(target string, model *lir.ObjectModel) (Backend, error) {
	switch target {
	case TargetX64:
		return x64.New(model), nil
	case TargetARM64:
		return arm64.New(model), nil
	}
	return nil, unsupportedTarget(target)
}
