//go:build unix

// sys_unix.go - Unix 平台的系统分配器
//
// 使用 mmap(PROT_NONE) 保留地址空间，mprotect 切换读写/执行权限，
// madvise 归还不再使用的页。

package virtualmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemAllocator 基于 mmap/mprotect 的分配器
type SystemAllocator struct {
	region []byte
}

// SystemPageSize 系统页大小
func SystemPageSize() int {
	return unix.Getpagesize()
}

// Reserve 保留 size 字节的地址空间（向上对齐到页）
func Reserve(size int, opts Options) (*VirtualMem, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = unix.Getpagesize()
	}
	size = (size + opts.PageSize - 1) &^ (opts.PageSize - 1)
	region, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return New(&SystemAllocator{region: region}, region, opts), nil
}

// MarkWritable 提交并设置为可读写
func (a *SystemAllocator) MarkWritable(off, size int) bool {
	return unix.Mprotect(a.region[off:off+size], unix.PROT_READ|unix.PROT_WRITE) == nil
}

// MarkExecutable 设置为可读可执行
func (a *SystemAllocator) MarkExecutable(off, size int) bool {
	return unix.Mprotect(a.region[off:off+size], unix.PROT_READ|unix.PROT_EXEC) == nil
}

// MarkUnused 归还物理内存并取消访问权限
func (a *SystemAllocator) MarkUnused(off, size int) bool {
	mem := a.region[off : off+size]
	if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil {
		return false
	}
	return unix.Mprotect(mem, unix.PROT_NONE) == nil
}

// Release 解除整个区域的映射
func (a *SystemAllocator) Release() error {
	if a.region == nil {
		return nil
	}
	err := unix.Munmap(a.region)
	a.region = nil
	return err
}
