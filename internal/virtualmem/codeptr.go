// codeptr.go - 代码指针
//
// CodePtr 是相对所属区域起点的偏移，只能通过所属 VirtualMem 的
// RawAddr 转换为真实地址。不同区域的指针不能混用。

package virtualmem

import "fmt"

// CodePtr 区域内的代码位置
type CodePtr struct {
	owner uint32
	off   uint32
}

// Add 前进 n 个字节，结果可能越过区域末尾
func (p CodePtr) Add(n int) CodePtr {
	off := int64(p.off) + int64(n)
	if off < 0 || off > int64(^uint32(0)) {
		panic(fmt.Sprintf("code pointer offset overflow: %d", off))
	}
	p.off = uint32(off)
	return p
}

// Offset 相对区域起点的偏移
func (p CodePtr) Offset() int {
	return int(p.off)
}

// Sub 两个同区域指针的距离
func (p CodePtr) Sub(q CodePtr) int {
	if p.owner != q.owner {
		panic("distance between code pointers of different regions")
	}
	return int(p.off) - int(q.off)
}

// Before 是否位于 q 之前
func (p CodePtr) Before(q CodePtr) bool {
	return p.Sub(q) < 0
}

func (p CodePtr) String() string {
	return fmt.Sprintf("CodePtr(%d:%#x)", p.owner, p.off)
}
