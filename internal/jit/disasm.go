// disasm.go - 生成代码的反汇编

package jit

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble 反汇编 code，base 是 code 在代码块中的起始偏移
//
// commentsAt 非 nil 时在对应位置的指令前输出汇编注释。
// 无法解码的字节（如 arm64 内嵌的常量）按原始数据输出。
func Disassemble(target string, code []byte, base int, commentsAt func(pos int) []string) string {
	var sb strings.Builder
	writeComments := func(pos int) {
		if commentsAt == nil {
			return
		}
		for _, c := range commentsAt(pos) {
			sb.WriteString(fmt.Sprintf("  ; %s\n", c))
		}
	}

	offset := 0
	for offset < len(code) {
		pc := base + offset
		writeComments(pc)

		var length int
		var text string
		switch target {
		case TargetARM64:
			length = 4
			if len(code)-offset < 4 {
				length = len(code) - offset
				text = "(truncated)"
				break
			}
			inst, err := arm64asm.Decode(code[offset:])
			if err != nil {
				text = fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code[offset:]))
			} else {
				text = arm64asm.GNUSyntax(inst)
			}
		default:
			inst, err := x86asm.Decode(code[offset:], 64)
			if err != nil {
				length = 1
				text = fmt.Sprintf("db 0x%02x", code[offset])
			} else {
				length = inst.Len
				text = x86asm.IntelSyntax(inst, uint64(pc), nil)
			}
		}

		var hexBytes []string
		for i := 0; i < length; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf("0x%04x: %-24s %s\n", pc, strings.Join(hexBytes, " "), text))
		offset += length
	}
	return sb.String()
}
