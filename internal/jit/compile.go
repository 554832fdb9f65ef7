// compile.go - 编译流水线
//
// 一个编译单元依次经过：
//  1. 平台 Split（把指令改写为平台可编码的形式）
//  2. 线性扫描寄存器分配
//  3. 侧出口代码生成
//  4. 平台 Emit 写出机器码
//  5. 链接标签并切换为可执行
//
// 代码缓冲区耗尽时回退写指针，返回 J0001 错误，调用者可以继续使用解释器。

package jit

import (
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/novajit/internal/errors"
	"github.com/tangzhangming/novajit/internal/lir"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// CompiledCode 编译结果
type CompiledCode struct {
	Name   string
	Target string

	// Start 代码在缓冲区中的起点，Size 为字节数
	Start virtualmem.CodePtr
	Size  int

	// Entry 入口的真实地址
	Entry uintptr

	// GCOffsets 内嵌堆对象引用的位置，GC 移动对象后需要改写
	GCOffsets []virtualmem.CodePtr

	Guards     int // 以侧出口为目标的守卫数
	ExitStubs  int // 去重后的出口数
	StackSlots int // 栈槽最高水位

	// LIR 分配后的指令列表（dump_lir）
	LIR string

	// Disasm 反汇编（dump_disasm）
	Disasm string
}

// Compile 编译一个单元，a 在编译后不再可用
func (c *Context) Compile(name string, a *lir.Assembler) (*CompiledCode, error) {
	begin := time.Now()
	p := c.platform()
	log := c.Log.With(zap.String("unit", name))

	if c.Config.StackBaseSlots > a.StackBase {
		a.StackBase = c.Config.StackBaseSlots
	}

	// 1-2. 拆分与分配
	split := c.Backend.Split(a)
	allocated := lir.AllocRegs(split, p, log.Named("alloc"))

	// 3. 侧出口
	opts := lir.SideExitOptions{Model: c.Model}
	if c.Config.Stats {
		opts.CounterAddr = c.Stats.Exits.Ptr
		if c.Config.TraceExits {
			opts.SampleHook = c.exitSampler
		}
	}
	exits := lir.CompileSideExits(allocated, p, opts)

	code := &CompiledCode{
		Name:      name,
		Target:    c.Target,
		Guards:    exits.Guards,
		ExitStubs: exits.Stubs,
	}
	for i := range allocated.Insns {
		if allocated.Insns[i].Op == lir.OpFrameSetup {
			code.StackSlots = allocated.Insns[i].SlotCount
			break
		}
	}
	if c.Config.DumpLIR {
		code.LIR = allocated.Format(p)
	}

	// 4. 发射
	cb := c.cb
	startPos := cb.WritePos()
	code.Start = cb.WritePtr()
	code.GCOffsets = c.Backend.Emit(allocated, cb)

	// 5. 链接；溢出时的引用位置可能越过缓冲区，不能回填
	if !cb.HasDroppedBytes() {
		cb.LinkLabels()
	}
	if cb.HasDroppedBytes() {
		written := cb.WritePos() - startPos
		cb.ClearLabels()
		cb.Rewind(startPos)
		c.Stats.FailedCompiles.Inc()
		log.Warn("code buffer exhausted",
			zap.Int("written", written),
			zap.Int("capacity", cb.MemSize()))
		return nil, errors.NewOutOfMemory(name, c.Target, written)
	}
	if err := cb.MarkAllExecutable(); err != nil {
		cb.ClearLabels()
		cb.Rewind(startPos)
		c.Stats.FailedCompiles.Inc()
		log.Warn("failed to make code executable", zap.Error(err))
		return nil, &errors.CompileError{
			Code:    errors.J0002,
			Level:   errors.LevelError,
			Message: "failed to make generated code executable",
			Unit:    name,
			Target:  c.Target,
			Err:     err,
		}
	}

	code.Size = cb.WritePos() - startPos
	entry, err := c.mem.RawAddr(code.Start)
	if err != nil {
		return nil, err
	}
	code.Entry = entry

	if c.Config.DumpDisasm {
		code.Disasm = Disassemble(c.Target, cb.Bytes(startPos, startPos+code.Size), startPos, cb.CommentsAt)
	}

	c.Stats.CompiledUnits.Inc()
	c.Stats.CodeBytes.Add(uint64(code.Size))
	c.Stats.Insns.Add(uint64(len(allocated.Insns)))
	c.Stats.StackSlots.Add(uint64(code.StackSlots))
	c.Stats.GCOffsets.Add(uint64(len(code.GCOffsets)))
	c.Stats.Guards.Add(uint64(code.Guards))
	c.Stats.ExitStubs.Add(uint64(code.ExitStubs))

	log.Info("compiled",
		zap.Int("bytes", code.Size),
		zap.Int("insns", len(allocated.Insns)),
		zap.Int("guards", code.Guards),
		zap.Int("exit_stubs", code.ExitStubs),
		zap.Int("stack_slots", code.StackSlots),
		zap.Duration("elapsed", time.Since(begin)))
	return code, nil
}
