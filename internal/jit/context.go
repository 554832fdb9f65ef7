// context.go - 编译上下文
//
// Context 在进程中只构造一次，持有配置、日志、统计、后端和代码缓冲区，
// 显式传入每一次编译，不依赖任何全局状态。

package jit

import (
	stderrors "errors"
	"fmt"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novajit/internal/asm"
	"github.com/tangzhangming/novajit/internal/lir"
	"github.com/tangzhangming/novajit/internal/stats"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// Context 编译上下文
type Context struct {
	Config  *Config
	Target  string
	Log     *zap.Logger
	Stats   *stats.Counters
	Model   *lir.ObjectModel
	Backend Backend

	mem *virtualmem.VirtualMem
	cb  *asm.CodeBlock

	// exitSampler 侧出口采样函数的本地地址，0 表示不采样
	exitSampler uintptr
}

// Option 上下文选项
type Option func(*Context)

// WithLogger 使用指定的日志记录器
func WithLogger(log *zap.Logger) Option {
	return func(c *Context) { c.Log = log }
}

// WithObjectModel 使用指定的对象模型
func WithObjectModel(model *lir.ObjectModel) Option {
	return func(c *Context) { c.Model = model }
}

// WithMemory 使用已有的虚拟内存区域，不再保留系统内存
func WithMemory(mem *virtualmem.VirtualMem) Option {
	return func(c *Context) { c.mem = mem }
}

// NewContext 创建编译上下文并保留可执行内存
func NewContext(config *Config, opts ...Option) (*Context, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	target, err := config.ResolveTarget()
	if err != nil {
		return nil, err
	}

	c := &Context{
		Config: config,
		Target: target,
		Stats:  stats.NewCounters(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.Log == nil {
		c.Log = zap.NewNop()
		if config.Debug {
			log, err := zap.NewDevelopment()
			if err != nil {
				return nil, fmt.Errorf("failed to create logger: %w", err)
			}
			c.Log = log
		}
	}
	if c.Model == nil {
		c.Model = lir.DefaultObjectModel()
	}

	c.Backend, err = NewBackend(target, c.Model)
	if err != nil {
		return nil, err
	}

	if c.mem == nil {
		c.mem, err = virtualmem.Reserve(config.ExecMemSize, config.memOptions(c.Backend.TrapByte()))
		if err != nil {
			return nil, fmt.Errorf("failed to reserve executable memory: %w", err)
		}
	}
	c.cb = asm.NewCodeBlock(c.mem, config.DumpDisasm)

	c.Log.Debug("jit context ready",
		zap.String("target", target),
		zap.Int("exec_mem_size", c.mem.VirtualRegionSize()),
		zap.Int("page_size", c.mem.PageSize()),
		zap.Int("num_regs", len(c.platform().AllocRegs)))
	return c, nil
}

// CodeBlock 返回上下文的代码缓冲区
func (c *Context) CodeBlock() *asm.CodeBlock {
	return c.cb
}

// SetExitSampler 设置侧出口采样函数的本地地址（trace_exits 开启时调用）
func (c *Context) SetExitSampler(fptr uintptr) {
	c.exitSampler = fptr
}

// platform 按配置限制寄存器数量后的平台描述
func (c *Context) platform() *lir.Platform {
	return c.Backend.Platform().LimitRegs(c.Config.NumRegs)
}

// Close 释放可执行内存并刷新日志
func (c *Context) Close() error {
	var err error
	if c.mem != nil {
		err = multierr.Append(err, c.mem.Release())
		c.mem = nil
	}
	// 输出到终端时 fsync 返回 EINVAL/ENOTTY
	if syncErr := c.Log.Sync(); syncErr != nil &&
		!stderrors.Is(syncErr, syscall.EINVAL) && !stderrors.Is(syncErr, syscall.ENOTTY) {
		err = multierr.Append(err, fmt.Errorf("failed to sync logger: %w", syncErr))
	}
	return err
}
