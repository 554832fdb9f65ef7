// colors.go - 终端颜色与反汇编高亮

package errors

import (
	"os"
	"runtime"
	"strings"
)

// Color 终端颜色
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
	ColorWhite
	ColorBoldRed
	ColorBoldGreen
	ColorBoldYellow
	ColorBoldCyan
)

// sgr 颜色对应的 SGR 参数
func (c Color) sgr() string {
	switch c {
	case ColorRed:
		return "31"
	case ColorGreen:
		return "32"
	case ColorYellow:
		return "33"
	case ColorBlue:
		return "34"
	case ColorMagenta:
		return "35"
	case ColorCyan:
		return "36"
	case ColorWhite:
		return "37"
	case ColorBoldRed:
		return "1;31"
	case ColorBoldGreen:
		return "1;32"
	case ColorBoldYellow:
		return "1;33"
	case ColorBoldCyan:
		return "1;36"
	}
	return "0"
}

const csi = "\033["

var colorsEnabled = detectColorSupport(os.Stdout)

// detectColorSupport NO_COLOR 优先，其次 FORCE_COLOR，最后看输出是否为终端
func detectColorSupport(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	if term == "dumb" {
		return false
	}
	// 旧版 Windows 控制台不解释 ANSI 序列
	if runtime.GOOS == "windows" && term == "" && os.Getenv("WT_SESSION") == "" {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// DisableColors 禁用颜色（命令行 -no-color）
func DisableColors() {
	colorsEnabled = false
}

// SetColorsEnabled 设置颜色启用状态
func SetColorsEnabled(enabled bool) {
	colorsEnabled = enabled
}

// Colorize 着色字符串，颜色关闭时原样返回
func Colorize(s string, color Color) string {
	if !colorsEnabled || s == "" {
		return s
	}
	return csi + color.sgr() + "m" + s + csi + "0m"
}

// Strip 移除 ANSI 颜色序列
func Strip(s string) string {
	var sb strings.Builder
	for {
		i := strings.Index(s, csi)
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:i])
		end := strings.IndexByte(s[i:], 'm')
		if end < 0 {
			sb.WriteString(s[i:])
			return sb.String()
		}
		s = s[i+end+1:]
	}
}

// ============================================================================
// 汇编清单高亮
// ============================================================================

// AsmHighlighter 反汇编清单高亮器
//
// 行格式与 jit.Disassemble 一致: "0x0010: 48 89 d8    mov rax, rbx"，
// 注释行以 ";" 开头。地址为青色，助记符黄色，寄存器蓝色，立即数品红。
type AsmHighlighter struct {
	enabled bool
	regs    map[string]bool
}

// NewAsmHighlighter 创建高亮器，regNames 是目标平台的寄存器名称
func NewAsmHighlighter(regNames []string) *AsmHighlighter {
	regs := make(map[string]bool, len(regNames))
	for _, r := range regNames {
		regs[strings.ToLower(r)] = true
	}
	return &AsmHighlighter{enabled: colorsEnabled, regs: regs}
}

// HighlightLine 高亮一行反汇编
func (h *AsmHighlighter) HighlightLine(line string) string {
	if !h.enabled || !colorsEnabled {
		return line
	}
	body := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(body, ";") || strings.HasPrefix(body, "#") {
		return Colorize(line, ColorWhite)
	}

	var sb strings.Builder
	rest := line
	if addr, tail, ok := strings.Cut(line, ":"); ok && isAddress(strings.TrimSpace(addr)) {
		sb.WriteString(Colorize(addr+":", ColorCyan))
		rest = tail
	}

	seenMnemonic := false
	for rest != "" {
		n := tokenLen(rest)
		tok := rest[:n]
		rest = rest[n:]

		switch {
		case tok[0] == ' ' || tok[0] == '\t':
			sb.WriteString(tok)
		case tok[0] == ';':
			sb.WriteString(Colorize(tok, ColorWhite))
		case !seenMnemonic && len(tok) == 2 && isHex(tok):
			// 机器码字节
			sb.WriteString(tok)
		case h.regs[strings.ToLower(tok)]:
			sb.WriteString(Colorize(tok, ColorBlue))
		case isDigit(tok[0]):
			sb.WriteString(Colorize(tok, ColorMagenta))
		case isWordByte(tok[0]) && !seenMnemonic:
			sb.WriteString(Colorize(tok, ColorYellow))
			seenMnemonic = true
		case len(tok) == 1 && strings.ContainsRune("+-*[]!", rune(tok[0])):
			sb.WriteString(Colorize(tok, ColorRed))
		default:
			sb.WriteString(tok)
		}
	}
	return sb.String()
}

// tokenLen 下一个 token 的长度：空白串、单词、行尾注释或单个符号
func tokenLen(s string) int {
	c := s[0]
	var keep func(byte) bool
	switch {
	case c == ';':
		return len(s)
	case c == ' ' || c == '\t':
		keep = func(b byte) bool { return b == ' ' || b == '\t' }
	case isWordByte(c) || isDigit(c):
		keep = func(b byte) bool { return isWordByte(b) || isDigit(b) }
	default:
		return 1
	}
	n := 1
	for n < len(s) && keep(s[n]) {
		n++
	}
	return n
}

// isAddress "0010" 或 "0x0010"
func isAddress(s string) bool {
	return isHex(strings.TrimPrefix(s, "0x"))
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if !isDigit(s[i]) && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == '.'
}
