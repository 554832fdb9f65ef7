// virtualmem.go - 生成代码的虚拟内存管理
//
// 预先保留一整段地址空间，首次写入某一页时才提交物理内存，
// 并用陷阱字节填充新页，执行未写入的内存会立即出错而不是跑飞。
//
// W^X：写权限只跟踪最后写入的页，写入跨页时才重新申请；
// 一次编译结束后调用 MarkAllExecutable，把已映射区域整体切换为可执行。

package virtualmem

import (
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/atomic"
)

// ============================================================================
// 错误
// ============================================================================

var (
	// ErrOutOfBounds 写入位置超出保留区域或内存上限
	ErrOutOfBounds = errors.New("write out of bounds")

	// ErrFailedPageMapping 系统拒绝提交或修改页权限
	ErrFailedPageMapping = errors.New("failed to map page")
)

// ============================================================================
// 分配器接口
// ============================================================================

// Allocator 提交物理内存和修改页权限的系统调用集合
//
// off/size 是相对区域起点的字节偏移。
type Allocator interface {
	MarkWritable(off, size int) bool
	MarkExecutable(off, size int) bool
	MarkUnused(off, size int) bool
}

// releaser 可释放整个保留区域的分配器
type releaser interface {
	Release() error
}

// ============================================================================
// 虚拟内存
// ============================================================================

// regionIDs 区域编号生成器，CodePtr 用它区分所属区域
var regionIDs atomic.Uint32

// VirtualMem 可执行代码的虚拟内存区域
type VirtualMem struct {
	id     uint32
	mem    []byte // 保留的整段区域，未映射部分不可访问
	alloc  Allocator
	pageSz int

	// memLimit 已映射字节数不能超过该上限
	memLimit int

	// mapped 从区域起点开始已提交物理内存的字节数
	mapped int

	// writePage 最后写入页的起始偏移，-1 表示没有可写页
	writePage int

	// trap 新页的填充字节
	trap byte
}

// Options 虚拟内存参数
type Options struct {
	PageSize int
	MemLimit int  // 0 表示与区域大小相同
	TrapByte byte // x86-64 使用 0x1E (PUSH DS，64 位模式下为 #UD)，arm64 使用 0 (UDF)
}

// New 管理一段已保留的地址空间
func New(alloc Allocator, region []byte, opts Options) *VirtualMem {
	if opts.PageSize <= 0 {
		panic("page size must be positive")
	}
	if len(region)%opts.PageSize != 0 {
		panic(fmt.Sprintf("region size %d is not a multiple of page size %d", len(region), opts.PageSize))
	}
	limit := opts.MemLimit
	if limit <= 0 {
		limit = len(region)
	}
	return &VirtualMem{
		id:        regionIDs.Inc(),
		mem:       region,
		alloc:     alloc,
		pageSz:    opts.PageSize,
		memLimit:  limit,
		writePage: -1,
		trap:      opts.TrapByte,
	}
}

// StartPtr 区域起点
func (v *VirtualMem) StartPtr() CodePtr {
	return CodePtr{owner: v.id}
}

// MappedEndPtr 已映射区域的末尾
func (v *VirtualMem) MappedEndPtr() CodePtr {
	return v.StartPtr().Add(v.mapped)
}

// VirtualEndPtr 保留区域的末尾
func (v *VirtualMem) VirtualEndPtr() CodePtr {
	return v.StartPtr().Add(len(v.mem))
}

// MappedRegionSize 已提交物理内存的字节数
func (v *VirtualMem) MappedRegionSize() int {
	return v.mapped
}

// VirtualRegionSize 可以尝试写入的字节数
func (v *VirtualMem) VirtualRegionSize() int {
	return len(v.mem)
}

// PageSize 权限控制粒度
func (v *VirtualMem) PageSize() int {
	return v.pageSz
}

// Owns 指针是否属于该区域
func (v *VirtualMem) Owns(p CodePtr) bool {
	return p.owner == v.id
}

func (v *VirtualMem) checkOwner(p CodePtr) {
	if p.owner != v.id {
		panic(fmt.Sprintf("code pointer from region %d used with region %d", p.owner, v.id))
	}
}

// WriteU8 写入一个字节，首次写入某页时提交并填充该页
func (v *VirtualMem) WriteU8(p CodePtr, b byte) error {
	v.checkOwner(p)
	off := int(p.off)
	page := off / v.pageSz * v.pageSz

	if page != v.writePage {
		switch {
		case off < v.mapped:
			// 写入已映射的页，只需要恢复写权限
			if !v.alloc.MarkWritable(page, v.pageSz) {
				return ErrFailedPageMapping
			}
			v.writePage = page
		case off < len(v.mem) && page+v.pageSz <= v.memLimit:
			// 新页：从已映射末尾一直提交到目标页
			size := page - v.mapped + v.pageSz
			if v.mapped%v.pageSz != 0 || size%v.pageSz != 0 {
				panic("mapped region is not page aligned")
			}
			if !v.alloc.MarkWritable(v.mapped, size) {
				return ErrFailedPageMapping
			}
			fill := v.mem[v.mapped : v.mapped+size]
			for i := range fill {
				fill[i] = v.trap
			}
			v.mapped += size
			v.writePage = page
		default:
			return ErrOutOfBounds
		}
	}

	v.mem[off] = b
	return nil
}

// ReadU8 读取已映射区域中的字节
func (v *VirtualMem) ReadU8(p CodePtr) byte {
	v.checkOwner(p)
	if int(p.off) >= v.mapped {
		panic(fmt.Sprintf("read of unmapped offset %d", p.off))
	}
	return v.mem[p.off]
}

// Bytes 返回 [start, end) 范围内已映射的字节
func (v *VirtualMem) Bytes(start, end CodePtr) []byte {
	v.checkOwner(start)
	v.checkOwner(end)
	if int(end.off) > v.mapped || start.off > end.off {
		panic(fmt.Sprintf("invalid range [%d, %d) with %d bytes mapped", start.off, end.off, v.mapped))
	}
	return v.mem[start.off:end.off]
}

// MarkAllExecutable 把已映射区域整体切换为可执行，结束一次写入会话
func (v *VirtualMem) MarkAllExecutable() error {
	v.writePage = -1
	if v.mapped == 0 {
		return nil
	}
	if !v.alloc.MarkExecutable(0, v.mapped) {
		return ErrFailedPageMapping
	}
	return nil
}

// FreeBytes 释放一段页对齐的代码内存
func (v *VirtualMem) FreeBytes(start CodePtr, size int) error {
	v.checkOwner(start)
	off := int(start.off)
	if off%v.pageSz != 0 {
		panic(fmt.Sprintf("free_bytes start %d is not page aligned", off))
	}
	if off >= v.mapped {
		panic(fmt.Sprintf("free_bytes start %d is outside the mapped region", off))
	}
	last := off + size - 1
	if size > 0 && last >= len(v.mem) {
		panic(fmt.Sprintf("free_bytes end %d is outside the virtual region", last))
	}
	if off <= v.writePage && v.writePage < off+size {
		v.writePage = -1
	}
	if !v.alloc.MarkUnused(off, size) {
		return ErrFailedPageMapping
	}
	return nil
}

// RawAddr 把代码指针转换为真实地址（带边界检查）
func (v *VirtualMem) RawAddr(p CodePtr) (uintptr, error) {
	if p.owner != v.id {
		return 0, fmt.Errorf("code pointer belongs to region %d, not %d", p.owner, v.id)
	}
	if int(p.off) > len(v.mem) || len(v.mem) == 0 {
		return 0, fmt.Errorf("code pointer offset %d: %w", p.off, ErrOutOfBounds)
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(v.mem))) + uintptr(p.off), nil
}

// Release 释放整个保留区域
func (v *VirtualMem) Release() error {
	if r, ok := v.alloc.(releaser); ok {
		if err := r.Release(); err != nil {
			return fmt.Errorf("release code region: %w", err)
		}
	}
	v.mem = nil
	v.mapped = 0
	v.writePage = -1
	return nil
}
