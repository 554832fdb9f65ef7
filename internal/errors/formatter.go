package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ============================================================================
// 编译错误
// ============================================================================

// CompileError 编译单元失败，作为普通返回值传播
//
// 只有容量耗尽一类错误会以这种方式返回；失败的编译单元不会被标记为可执行。
type CompileError struct {
	Code    string   // 错误码 (J0001)
	Level   Level    // 错误级别
	Message string   // 主消息
	Unit    string   // 编译单元名称
	Target  string   // 目标平台
	Hints   []string // 修复建议
	Notes   []string // 附加说明
	Err     error    // 底层错误（可选）
}

// Error 实现 error 接口
func (e *CompileError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code)
	if e.Unit != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Unit)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap 返回底层错误
func (e *CompileError) Unwrap() error {
	return e.Err
}

// NewOutOfMemory 创建代码缓冲区耗尽错误
func NewOutOfMemory(unit, target string, written int) *CompileError {
	return &CompileError{
		Code:    CodeOutOfMemory,
		Level:   LevelError,
		Message: fmt.Sprintf("code buffer exhausted after %d bytes", written),
		Unit:    unit,
		Target:  target,
	}
}

// IsOutOfMemory 检查错误链中是否有代码缓冲区耗尽错误
func IsOutOfMemory(err error) bool {
	var ce *CompileError
	return stderrors.As(err, &ce) && ce.Code == CodeOutOfMemory
}

// IsRecoverableError 错误链中的编译错误能否回退到解释器
func IsRecoverableError(err error) bool {
	var ce *CompileError
	return stderrors.As(err, &ce) && IsRecoverable(ce.Code)
}

// ============================================================================
// 不支持的降级
// ============================================================================

// UnsupportedLoweringError 后端无法为指令生成代码
//
// 作为 panic 的值抛出，不会被编译流程恢复。
type UnsupportedLoweringError struct {
	Platform string
	Op       string
	Opnds    []string // 操作数描述
	Reason   string
}

// Error 实现 error 接口
func (e *UnsupportedLoweringError) Error() string {
	msg := fmt.Sprintf("%s: unsupported lowering of %s", e.Platform, e.Op)
	if len(e.Opnds) > 0 {
		msg += " (" + strings.Join(e.Opnds, ", ") + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ============================================================================
// 格式化器
// ============================================================================

// Formatter 错误格式化器
type Formatter struct {
	Colors    bool // 是否使用颜色
	ShowHints bool // 是否显示修复建议
}

// NewFormatter 创建默认格式化器
func NewFormatter() *Formatter {
	return &Formatter{
		Colors:    true,
		ShowHints: true,
	}
}

// FormatCompileError 格式化编译错误
func (f *Formatter) FormatCompileError(err *CompileError) string {
	var sb strings.Builder

	// 错误头: error[J0001]: code buffer exhausted after 128 bytes
	levelStr := f.colorize(err.Level.String(), f.levelColor(err.Level))
	codeStr := f.colorize(fmt.Sprintf("[%s]", err.Code), f.levelColor(err.Level))
	sb.WriteString(fmt.Sprintf("%s%s: %s\n", levelStr, codeStr, err.Message))

	// 位置: --> unit@x86_64
	if err.Unit != "" || err.Target != "" {
		arrow := f.colorize("-->", ColorCyan)
		location := err.Unit
		if err.Target != "" {
			location += "@" + err.Target
		}
		sb.WriteString(fmt.Sprintf(" %s %s\n", arrow, f.colorize(location, ColorCyan)))
	}

	if err.Err != nil {
		causeLabel := f.colorize(" = cause:", ColorCyan)
		sb.WriteString(fmt.Sprintf("%s %s\n", causeLabel, err.Err))
	}

	// 修复建议
	if f.ShowHints {
		for _, hint := range err.Hints {
			hintLabel := f.colorize(" = help:", ColorCyan)
			sb.WriteString(fmt.Sprintf("%s %s\n", hintLabel, hint))
		}
	}

	// 附加说明：错误码表中的分类与能否回退
	notes := err.Notes
	if info, ok := GetErrorInfo(err.Code); ok {
		note := info.Category + ": " + info.Summary
		if info.Recoverable {
			note += "; the unit falls back to the interpreter"
		}
		notes = append([]string{note}, notes...)
	}
	for _, note := range notes {
		noteLabel := f.colorize(" = note:", ColorCyan)
		sb.WriteString(fmt.Sprintf("%s %s\n", noteLabel, note))
	}

	return sb.String()
}

// FormatLowering 格式化不支持的降级（用于命令行恢复 panic 后报告）
func (f *Formatter) FormatLowering(err *UnsupportedLoweringError) string {
	levelStr := f.colorize("error", ColorBoldRed)
	codeStr := f.colorize("["+J0200+"]", ColorBoldRed)
	out := fmt.Sprintf("%s%s: %s\n", levelStr, codeStr, err.Error())
	if f.ShowHints {
		for _, hint := range GetSuggestions(J0200, map[string]interface{}{"op": err.Op}) {
			out += f.colorize(" = help:", ColorCyan) + " " + hint + "\n"
		}
	}
	return out
}

func (f *Formatter) levelColor(level Level) Color {
	switch level {
	case LevelError:
		return ColorBoldRed
	case LevelWarning:
		return ColorBoldYellow
	case LevelNote:
		return ColorBoldCyan
	case LevelHelp:
		return ColorBoldGreen
	default:
		return ColorReset
	}
}

func (f *Formatter) colorize(s string, color Color) string {
	if !f.Colors {
		return s
	}
	return Colorize(s, color)
}
