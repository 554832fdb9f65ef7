// Package errors 提供 JIT 后端的错误处理系统
package errors

// ============================================================================
// 错误级别
// ============================================================================

// Level 错误级别
type Level int

const (
	LevelError   Level = iota // 错误
	LevelWarning              // 警告
	LevelNote                 // 提示
	LevelHelp                 // 帮助
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelNote:
		return "note"
	case LevelHelp:
		return "help"
	default:
		return "unknown"
	}
}

// ============================================================================
// JIT 错误码 (J 开头)
// ============================================================================

const (
	// J0001-J0099: 可恢复错误，编译单元回退到解释器
	J0001 = "J0001" // 代码缓冲区或可执行内存耗尽
	J0002 = "J0002" // 修改页权限失败

	// J0100-J0199: 配置错误
	J0100 = "J0100" // 配置文件无效
	J0101 = "J0101" // 不支持的目标平台

	// J0200-J0299: 后端错误（程序缺陷，以 panic 报告）
	J0200 = "J0200" // 平台不支持的降级
	J0201 = "J0201" // 内部不变量被破坏
)

// CodeOutOfMemory 代码缓冲区耗尽的错误码
const CodeOutOfMemory = J0001

// ============================================================================
// 错误码信息
// ============================================================================

// ErrorInfo 错误码信息
type ErrorInfo struct {
	Code        string // 错误码
	Level       Level  // 错误级别
	Category    string // 错误分类
	Recoverable bool   // 能否回退到解释器继续执行
	Summary     string // 简短说明
}

// jitErrors JIT 错误码信息表
var jitErrors = map[string]ErrorInfo{
	J0001: {J0001, LevelError, "memory", true, "code buffer exhausted"},
	J0002: {J0002, LevelError, "memory", true, "failed to change page protection"},

	J0100: {J0100, LevelError, "config", false, "invalid configuration"},
	J0101: {J0101, LevelError, "config", false, "unsupported target"},

	J0200: {J0200, LevelError, "backend", false, "unsupported lowering"},
	J0201: {J0201, LevelError, "backend", false, "internal invariant violated"},
}

// GetErrorInfo 获取错误码信息
func GetErrorInfo(code string) (ErrorInfo, bool) {
	info, ok := jitErrors[code]
	return info, ok
}

// IsRecoverable 检查错误码是否允许回退到解释器
func IsRecoverable(code string) bool {
	return jitErrors[code].Recoverable
}
