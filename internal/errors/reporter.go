package errors

import (
	"fmt"
	"io"
	"os"
)

// ============================================================================
// 错误报告器
// ============================================================================

// Reporter 收集并输出编译错误
type Reporter struct {
	formatter *Formatter
	out       io.Writer
	errors    []*CompileError
	warnings  []*CompileError
}

// NewReporter 创建输出到标准错误的报告器
func NewReporter() *Reporter {
	return NewReporterTo(os.Stderr)
}

// NewReporterTo 创建输出到 w 的报告器
func NewReporterTo(w io.Writer) *Reporter {
	return &Reporter{
		formatter: NewFormatter(),
		out:       w,
	}
}

// SetFormatter 设置格式化器
func (r *Reporter) SetFormatter(f *Formatter) {
	r.formatter = f
}

// ReportError 报告编译错误
func (r *Reporter) ReportError(err *CompileError) {
	// 生成修复建议
	if len(err.Hints) == 0 {
		err.Hints = GetSuggestions(err.Code, map[string]interface{}{
			"unit":   err.Unit,
			"target": err.Target,
		})
	}
	if err.Level == LevelWarning {
		r.warnings = append(r.warnings, err)
	} else {
		r.errors = append(r.errors, err)
	}
	fmt.Fprint(r.out, r.formatter.FormatCompileError(err))
}

// ReportLowering 报告不支持的降级
func (r *Reporter) ReportLowering(err *UnsupportedLoweringError) {
	r.errors = append(r.errors, &CompileError{
		Code:    J0200,
		Level:   LevelError,
		Message: err.Error(),
		Target:  err.Platform,
	})
	fmt.Fprint(r.out, r.formatter.FormatLowering(err))
}

// HasErrors 是否有错误
func (r *Reporter) HasErrors() bool {
	return len(r.errors) > 0
}

// ErrorCount 错误数量
func (r *Reporter) ErrorCount() int {
	return len(r.errors)
}

// WarningCount 警告数量
func (r *Reporter) WarningCount() int {
	return len(r.warnings)
}

// Summary 输出错误与警告数量，没有任何问题时不输出
func (r *Reporter) Summary() {
	if len(r.errors) == 0 && len(r.warnings) == 0 {
		return
	}
	line := fmt.Sprintf("%d error(s), %d warning(s)", len(r.errors), len(r.warnings))
	color := ColorBoldYellow
	if len(r.errors) > 0 {
		color = ColorBoldRed
	}
	fmt.Fprintln(r.out, r.formatter.colorize(line, color))
}

// Clear 清空已收集的错误
func (r *Reporter) Clear() {
	r.errors = nil
	r.warnings = nil
}
