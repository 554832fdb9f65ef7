// config.go - JIT 配置
//
// 配置文件为 TOML 格式，所有选项位于 [jit] 表中：
//
//	[jit]
//	target = "native"
//	num_regs = 0
//	exec_mem_size = 134217728
//	stats = true

package jit

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/tangzhangming/novajit/internal/errors"
	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// 常量定义
const (
	ConfigFileName = "novajit.toml" // 默认配置文件名

	TargetNative = "native"
	TargetX64    = "x86_64"
	TargetARM64  = "arm64"
)

// Config JIT 配置
type Config struct {
	// Target 目标平台: x86_64、arm64 或 native（当前机器）
	Target string `toml:"target"`

	// NumRegs 限制可分配寄存器数量，0 表示使用平台的全部寄存器
	NumRegs int `toml:"num_regs"`

	// ExecMemSize 保留的可执行内存大小（字节）
	ExecMemSize int `toml:"exec_mem_size"`

	// MemLimit 实际提交的内存上限，0 表示与 ExecMemSize 相同
	MemLimit int `toml:"mem_limit"`

	// PageSize 页大小，0 表示使用系统页大小
	PageSize int `toml:"page_size"`

	// Stats 收集编译统计和侧出口计数
	Stats bool `toml:"stats"`

	// TraceExits 侧出口计数后调用采样钩子（需要 Stats）
	TraceExits bool `toml:"trace_exits"`

	// DumpLIR 输出分配后的 LIR
	DumpLIR bool `toml:"dump_lir"`

	// DumpDisasm 输出生成代码的反汇编
	DumpDisasm bool `toml:"dump_disasm"`

	// Debug 开启调试日志
	Debug bool `toml:"debug"`

	// StackBaseSlots 上游预留的栈槽数
	StackBaseSlots int `toml:"stack_base_slots"`
}

// configFile 配置文件结构
type configFile struct {
	JIT Config `toml:"jit"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Target:      TargetNative,
		ExecMemSize: 128 << 20,
		MemLimit:    64 << 20,
	}
}

// LoadConfig 从文件加载配置，未设置的选项使用默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	file := configFile{JIT: *DefaultConfig()}
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, &errors.CompileError{
			Code:    errors.J0100,
			Level:   errors.LevelError,
			Message: "failed to parse config file",
			Unit:    path,
			Err:     err,
		}
	}

	config := &file.JIT
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 检查配置是否有效
func (c *Config) Validate() error {
	if _, err := c.ResolveTarget(); err != nil {
		return err
	}

	var problems []string
	if c.ExecMemSize <= 0 {
		problems = append(problems, "exec_mem_size must be positive")
	}
	if c.MemLimit < 0 {
		problems = append(problems, "mem_limit must not be negative")
	}
	if c.PageSize < 0 || (c.PageSize > 0 && c.PageSize&(c.PageSize-1) != 0) {
		problems = append(problems, "page_size must be a power of two")
	}
	if c.NumRegs < 0 {
		problems = append(problems, "num_regs must not be negative")
	}
	if c.StackBaseSlots < 0 {
		problems = append(problems, "stack_base_slots must not be negative")
	}
	if c.TraceExits && !c.Stats {
		problems = append(problems, "trace_exits requires stats")
	}
	if len(problems) > 0 {
		return &errors.CompileError{
			Code:    errors.J0100,
			Level:   errors.LevelError,
			Message: "invalid configuration",
			Notes:   problems,
		}
	}
	return nil
}

// ResolveTarget 返回具体的目标平台名称
func (c *Config) ResolveTarget() (string, error) {
	switch c.Target {
	case TargetX64, TargetARM64:
		return c.Target, nil
	case TargetNative, "":
		switch runtime.GOARCH {
		case "amd64":
			return TargetX64, nil
		case "arm64":
			return TargetARM64, nil
		}
		return "", unsupportedTarget(runtime.GOARCH)
	}
	return "", unsupportedTarget(c.Target)
}

func unsupportedTarget(target string) *errors.CompileError {
	return &errors.CompileError{
		Code:    errors.J0101,
		Level:   errors.LevelError,
		Message: fmt.Sprintf("unsupported target %q", target),
		Target:  target,
	}
}

// memOptions 虚拟内存参数
func (c *Config) memOptions(trap byte) virtualmem.Options {
	pageSize := c.PageSize
	if pageSize == 0 {
		pageSize = virtualmem.SystemPageSize()
	}
	return virtualmem.Options{
		PageSize: pageSize,
		MemLimit: c.MemLimit,
		TrapByte: trap,
	}
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	content := generateConfigWithComments(c)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[jit]\n")
	sb.WriteString("# 目标平台: x86_64, arm64, native\n")
	sb.WriteString(fmt.Sprintf("target = %q\n\n", c.Target))
	sb.WriteString("# 可分配寄存器数量上限（0 表示不限制）\n")
	sb.WriteString(fmt.Sprintf("num_regs = %d\n\n", c.NumRegs))
	sb.WriteString("# 保留的可执行内存与提交上限（字节）\n")
	sb.WriteString(fmt.Sprintf("exec_mem_size = %d\n", c.ExecMemSize))
	sb.WriteString(fmt.Sprintf("mem_limit = %d\n\n", c.MemLimit))
	sb.WriteString("# 页大小（0 表示使用系统页大小）\n")
	sb.WriteString(fmt.Sprintf("page_size = %d\n\n", c.PageSize))
	sb.WriteString("# 上游预留的栈槽数\n")
	sb.WriteString(fmt.Sprintf("stack_base_slots = %d\n\n", c.StackBaseSlots))
	sb.WriteString("# 统计与调试输出\n")
	sb.WriteString(fmt.Sprintf("stats = %t\n", c.Stats))
	sb.WriteString(fmt.Sprintf("trace_exits = %t\n", c.TraceExits))
	sb.WriteString(fmt.Sprintf("dump_lir = %t\n", c.DumpLIR))
	sb.WriteString(fmt.Sprintf("dump_disasm = %t\n", c.DumpDisasm))
	sb.WriteString(fmt.Sprintf("debug = %t\n", c.Debug))

	return sb.String()
}
