// heap_alloc.go - 基于 Go 堆的分配器
//
// 不申请真实的可执行内存，只记录每次请求并做边界检查。
// 用于测试以及为非本机架构生成代码（只查看、不执行）。

package virtualmem

import "fmt"

// RequestKind 分配器请求类型
type RequestKind uint8

const (
	RequestWritable RequestKind = iota
	RequestExecutable
	RequestUnused
)

func (k RequestKind) String() string {
	switch k {
	case RequestWritable:
		return "MarkWritable"
	case RequestExecutable:
		return "MarkExecutable"
	case RequestUnused:
		return "MarkUnused"
	}
	return "?"
}

// Request 一次分配器请求
type Request struct {
	Kind RequestKind
	Off  int
	Size int
}

// HeapAllocator 记录请求的堆分配器
type HeapAllocator struct {
	Requests []Request

	// DenyWritable 为 true 时拒绝所有提交请求
	DenyWritable bool
	// DenyExecutable 为 true 时拒绝切换为可执行
	DenyExecutable bool

	size int
}

// NewHeap 创建由 Go 堆支持的虚拟内存
func NewHeap(size int, opts Options) (*VirtualMem, *HeapAllocator) {
	alloc := &HeapAllocator{size: size}
	return New(alloc, make([]byte, size), opts), alloc
}

func (a *HeapAllocator) boundsCheck(off, size int) {
	if off < 0 || size < 0 || off+size > a.size {
		panic(fmt.Sprintf("request [%d, %d) outside region of %d bytes", off, off+size, a.size))
	}
}

// MarkWritable 记录提交请求
func (a *HeapAllocator) MarkWritable(off, size int) bool {
	a.boundsCheck(off, size)
	if a.DenyWritable {
		return false
	}
	a.Requests = append(a.Requests, Request{Kind: RequestWritable, Off: off, Size: size})
	return true
}

// MarkExecutable 记录切换为可执行的请求
func (a *HeapAllocator) MarkExecutable(off, size int) bool {
	a.boundsCheck(off, size)
	if a.DenyExecutable {
		return false
	}
	a.Requests = append(a.Requests, Request{Kind: RequestExecutable, Off: off, Size: size})
	return true
}

// MarkUnused 记录释放请求
func (a *HeapAllocator) MarkUnused(off, size int) bool {
	a.boundsCheck(off, size)
	a.Requests = append(a.Requests, Request{Kind: RequestUnused, Off: off, Size: size})
	return true
}
