// codeblock.go - 代码缓冲区
//
// CodeBlock 是只追加的字节写入器：单调前进的写指针、标签地址表、
// 以及待回填的标签引用。引用未定义的标签时先预留字节，最后由
// LinkLabels 一次性计算偏移并覆盖预留位置。
//
// 写入超出容量时只设置 dropped bytes 标志，不破坏内存也不 panic。
// 调用者在链接或执行之前必须检查该标志。

package asm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tangzhangming/novajit/internal/virtualmem"
)

// ============================================================================
// 标签
// ============================================================================

// Label 代码块中的标签编号
type Label int

// LabelEncoder 回填标签引用的编码函数
// src 是引用结束位置，dst 是标签位置（均为代码块内偏移）
type LabelEncoder func(cb *CodeBlock, src, dst int64)

// LabelRef 待回填的标签引用
type LabelRef struct {
	pos      int          // 引用在代码块中的位置
	label    Label        // 目标标签
	numBytes int          // 预留的字节数，回填时必须写入相同数量
	encode   LabelEncoder // 编码函数
}

// unsetAddr 尚未放置的标签地址
const unsetAddr = -1

// ============================================================================
// 代码块
// ============================================================================

// CodeBlock 代码缓冲区
type CodeBlock struct {
	mem     *virtualmem.VirtualMem
	memSize int

	// writePos 当前写入位置
	writePos int

	labelAddrs []int
	labelNames []string
	labelRefs  []LabelRef

	// comments 每个位置上的汇编注释，keepComments 为 false 时不记录
	comments     map[int][]string
	keepComments bool

	// droppedBytes 空间不足或跳转距离过远导致有指令没有写出
	droppedBytes bool
}

// NewCodeBlock 在虚拟内存区域上创建代码块
func NewCodeBlock(mem *virtualmem.VirtualMem, keepComments bool) *CodeBlock {
	return &CodeBlock{
		mem:          mem,
		memSize:      mem.VirtualRegionSize(),
		comments:     make(map[int][]string),
		keepComments: keepComments,
	}
}

// NewDummy 创建由 Go 堆支持的代码块，用于测试
func NewDummy(size int) *CodeBlock {
	mem, _ := virtualmem.NewHeap(size, virtualmem.Options{PageSize: size})
	return NewCodeBlock(mem, true)
}

// Mem 返回底层虚拟内存
func (cb *CodeBlock) Mem() *virtualmem.VirtualMem {
	return cb.mem
}

// MemSize 代码块容量
func (cb *CodeBlock) MemSize() int {
	return cb.memSize
}

// HasCapacity 是否还能写入 n 个字节
func (cb *CodeBlock) HasCapacity(n int) bool {
	return cb.writePos+n <= cb.memSize
}

// WritePos 当前写入位置
func (cb *CodeBlock) WritePos() int {
	return cb.writePos
}

// SetPos 设置写入位置（不做边界检查，写满后也能恢复到写满的状态）
func (cb *CodeBlock) SetPos(pos int) {
	cb.writePos = pos
}

// SetWritePtr 用代码指针设置写入位置
func (cb *CodeBlock) SetWritePtr(p virtualmem.CodePtr) {
	cb.SetPos(p.Sub(cb.mem.StartPtr()))
}

// Rewind 回到 pos 并清除 dropped bytes 标志
func (cb *CodeBlock) Rewind(pos int) {
	cb.writePos = pos
	cb.droppedBytes = false
	for p := range cb.comments {
		if p >= pos {
			delete(cb.comments, p)
		}
	}
}

// Ptr 返回偏移处的代码指针（可能越过末尾）
func (cb *CodeBlock) Ptr(off int) virtualmem.CodePtr {
	return cb.mem.StartPtr().Add(off)
}

// WritePtr 当前写入位置的代码指针
func (cb *CodeBlock) WritePtr() virtualmem.CodePtr {
	return cb.Ptr(cb.writePos)
}

// WriteU8 在当前位置写入一个字节
func (cb *CodeBlock) WriteU8(b byte) {
	p := cb.WritePtr()
	if !cb.HasCapacity(1) || cb.mem.WriteU8(p, b) != nil {
		cb.droppedBytes = true
	}
	// 即使写入失败也前进，保证依赖写指针的循环能够结束
	cb.writePos++
}

// WriteBytes 写入多个字节
func (cb *CodeBlock) WriteBytes(bs ...byte) {
	for _, b := range bs {
		cb.WriteU8(b)
	}
}

// WriteInt 以小端序写入 numBits 位整数
func (cb *CodeBlock) WriteInt(v uint64, numBits int) {
	if numBits <= 0 || numBits%8 != 0 || numBits > 64 {
		panic(fmt.Sprintf("invalid integer width: %d", numBits))
	}
	for i := 0; i < numBits/8; i++ {
		cb.WriteU8(byte(v))
		v >>= 8
	}
}

// DropBytes 标记有指令无法写出（例如跳转距离超出编码范围）
func (cb *CodeBlock) DropBytes() {
	cb.droppedBytes = true
}

// HasDroppedBytes 是否有字节因空间不足没有写出
func (cb *CodeBlock) HasDroppedBytes() bool {
	return cb.droppedBytes
}

// ============================================================================
// 标签与链接
// ============================================================================

// NewLabel 创建标签
func (cb *CodeBlock) NewLabel(name string) Label {
	if strings.Contains(name, " ") {
		panic("use underscores in label names, not spaces")
	}
	cb.labelAddrs = append(cb.labelAddrs, unsetAddr)
	cb.labelNames = append(cb.labelNames, name)
	return Label(len(cb.labelAddrs) - 1)
}

// WriteLabel 把标签放在当前位置
func (cb *CodeBlock) WriteLabel(l Label) {
	cb.labelAddrs[l] = cb.writePos
}

// LabelAddr 返回已放置标签的位置
func (cb *CodeBlock) LabelAddr(l Label) (int, bool) {
	if int(l) >= len(cb.labelAddrs) || cb.labelAddrs[l] == unsetAddr {
		return 0, false
	}
	return cb.labelAddrs[l], true
}

// LabelName 返回标签名称
func (cb *CodeBlock) LabelName(l Label) string {
	return cb.labelNames[l]
}

// NumLabelRefs 待回填的引用数量
func (cb *CodeBlock) NumLabelRefs() int {
	return len(cb.labelRefs)
}

// LabelRef 在当前位置记录对标签的引用，并预留 numBytes 字节
func (cb *CodeBlock) LabelRef(l Label, numBytes int, encode LabelEncoder) {
	if int(l) >= len(cb.labelAddrs) {
		panic(fmt.Sprintf("reference to unknown label %d", l))
	}
	cb.labelRefs = append(cb.labelRefs, LabelRef{
		pos:      cb.writePos,
		label:    l,
		numBytes: numBytes,
		encode:   encode,
	})
	if !cb.HasCapacity(numBytes) {
		cb.droppedBytes = true
	}
	cb.writePos += numBytes
}

// LinkLabels 回填所有标签引用，然后清空标签表
func (cb *CodeBlock) LinkLabels() {
	orig := cb.writePos

	refs := cb.labelRefs
	cb.labelRefs = nil
	for _, ref := range refs {
		if ref.pos >= cb.memSize {
			panic(fmt.Sprintf("label reference at %d outside the code block", ref.pos))
		}
		addr := cb.labelAddrs[ref.label]
		if addr == unsetAddr {
			panic(fmt.Sprintf("label %s was referenced but never written", cb.labelNames[ref.label]))
		}

		cb.writePos = ref.pos
		ref.encode(cb, int64(ref.pos+ref.numBytes), int64(addr))
		if cb.writePos != ref.pos+ref.numBytes {
			panic(fmt.Sprintf("label reference at %d wrote %d bytes, expected %d",
				ref.pos, cb.writePos-ref.pos, ref.numBytes))
		}
	}

	cb.writePos = orig
	cb.labelAddrs = cb.labelAddrs[:0]
	cb.labelNames = cb.labelNames[:0]
}

// ClearLabels 丢弃标签和未回填的引用
func (cb *CodeBlock) ClearLabels() {
	cb.labelAddrs = cb.labelAddrs[:0]
	cb.labelNames = cb.labelNames[:0]
	cb.labelRefs = nil
}

// ============================================================================
// 注释与权限
// ============================================================================

// AddComment 在当前位置附加汇编注释
func (cb *CodeBlock) AddComment(text string) {
	if !cb.keepComments {
		return
	}
	list := cb.comments[cb.writePos]
	if n := len(list); n > 0 && list[n-1] == text {
		return
	}
	cb.comments[cb.writePos] = append(list, text)
}

// CommentsAt 返回某位置上的注释
func (cb *CodeBlock) CommentsAt(pos int) []string {
	return cb.comments[pos]
}

// CommentPositions 返回所有带注释的位置（升序）
func (cb *CodeBlock) CommentPositions() []int {
	out := make([]int, 0, len(cb.comments))
	for p := range cb.comments {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Bytes 返回 [start, end) 之间已写入的字节
func (cb *CodeBlock) Bytes(start, end int) []byte {
	return cb.mem.Bytes(cb.Ptr(start), cb.Ptr(end))
}

// MarkAllExecutable 写入结束，切换为可执行
func (cb *CodeBlock) MarkAllExecutable() error {
	return cb.mem.MarkAllExecutable()
}

// ============================================================================
// 立即数宽度
// ============================================================================

// ImmNumBits 有符号立即数需要的最小位数
func ImmNumBits(imm int64) int {
	switch {
	case imm >= -128 && imm <= 127:
		return 8
	case imm >= -32768 && imm <= 32767:
		return 16
	case imm >= -(1<<31) && imm <= (1<<31)-1:
		return 32
	}
	return 64
}

// UImmNumBits 无符号立即数需要的最小位数
func UImmNumBits(v uint64) int {
	switch {
	case v <= 0xff:
		return 8
	case v <= 0xffff:
		return 16
	case v <= 0xffffffff:
		return 32
	}
	return 64
}
