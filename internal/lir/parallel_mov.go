// parallel_mov.go - 并行移动解析
//
// 一组并行移动要求所有源在任何目的被写入之前读取。解析器把它们
// 排成安全的顺序执行：目的不被其他移动读取、也不是其他移动目的内存
// 基址的移动可以立即执行；
// 只剩环时，借助临时位置打破环。

package lir

import (
	"errors"
	"fmt"
)

// ErrMoveCycle 存在环但没有可用的临时位置
var ErrMoveCycle = errors.New("parallel move cycle requires a scratch location")

// readsLocation src 读取时是否会读到 dest 位置的内容
func readsLocation(src, dest Opnd) bool {
	switch dest.Kind {
	case OpndReg:
		return src.ReadsReg(dest.Reg)
	case OpndMem:
		return src.IsMem() && src.SameLocation(dest)
	}
	return false
}

// usesLocation other 是否读取 dest，或者通过 dest 寄存器寻址它的目的内存
func usesLocation(other Move, dest Opnd) bool {
	if readsLocation(other.Src, dest) {
		return true
	}
	return other.Dest.IsMem() && readsLocation(other.Dest, dest)
}

// findSafeMove 返回目的位置不被其他移动使用的移动索引
func findSafeMove(moves []Move) int {
	for i, m := range moves {
		safe := true
		for j, other := range moves {
			if i != j && usesLocation(other, m.Dest) {
				safe = false
				break
			}
		}
		if safe {
			return i
		}
	}
	return -1
}

// ResolveParallelMoves 把并行移动转换为等价的顺序移动
//
// scratch 为 nil 时遇到环返回 ErrMoveCycle，由能够提供临时位置的调用者重试。
func ResolveParallelMoves(moves []Move, scratch *Opnd) ([]Move, error) {
	pending := make([]Move, 0, len(moves))
	for _, m := range moves {
		if m.Dest.IsVReg() || m.Dest.IsImm() || m.Dest.IsNone() {
			panic(fmt.Sprintf("invalid parallel move destination: %s", m.Dest))
		}
		if m.Src.SameLocation(m.Dest) {
			continue
		}
		for _, p := range pending {
			if p.Dest.SameLocation(m.Dest) {
				panic(fmt.Sprintf("parallel move writes %s twice", m.Dest))
			}
		}
		pending = append(pending, m)
	}

	resolved := make([]Move, 0, len(pending)+1)
	for len(pending) > 0 {
		for {
			i := findSafeMove(pending)
			if i < 0 {
				break
			}
			resolved = append(resolved, pending[i])
			pending = append(pending[:i], pending[i+1:]...)
		}
		if len(pending) == 0 {
			break
		}

		if scratch == nil {
			return nil, ErrMoveCycle
		}
		for _, m := range pending {
			if usesLocation(m, *scratch) || m.Dest.SameLocation(*scratch) {
				panic(fmt.Sprintf("scratch %s is used by a parallel move", scratch))
			}
		}

		// scratch <- src，稍后 dest <- scratch
		// 优先拆开写寄存器的移动：写内存的移动还依赖其基址寄存器，拆开后环仍然存在
		victim := 0
		for i, m := range pending {
			if m.Dest.IsReg() {
				victim = i
				break
			}
		}
		m := pending[victim]
		pending = append(pending[:victim:victim], pending[victim+1:]...)
		tmp := *scratch
		if bits := m.Dest.NumBits(); bits != 0 {
			tmp = tmp.WithBits(bits)
		}
		resolved = append(resolved, Move{Dest: tmp, Src: m.Src})
		pending = append(pending, Move{Dest: m.Dest, Src: tmp})
	}
	return resolved, nil
}
