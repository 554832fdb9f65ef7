//go:build windows

// sys_windows.go - Windows 平台的系统分配器
//
// VirtualAlloc(MEM_RESERVE) 保留地址空间，按需 MEM_COMMIT，
// VirtualProtect 切换权限，VirtualFree(MEM_DECOMMIT) 归还页。

package virtualmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// SystemAllocator 基于 VirtualAlloc 的分配器
type SystemAllocator struct {
	base uintptr
	size int
}

// SystemPageSize 系统页大小
func SystemPageSize() int {
	return 4096
}

// Reserve 保留 size 字节的地址空间（向上对齐到页）
func Reserve(size int, opts Options) (*VirtualMem, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = SystemPageSize()
	}
	size = (size + opts.PageSize - 1) &^ (opts.PageSize - 1)
	base, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, fmt.Errorf("VirtualAlloc failed: %w", err)
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	return New(&SystemAllocator{base: base, size: size}, region, opts), nil
}

// MarkWritable 提交并设置为可读写
func (a *SystemAllocator) MarkWritable(off, size int) bool {
	_, err := windows.VirtualAlloc(a.base+uintptr(off), uintptr(size), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err == nil
}

// MarkExecutable 设置为可读可执行
func (a *SystemAllocator) MarkExecutable(off, size int) bool {
	var old uint32
	return windows.VirtualProtect(a.base+uintptr(off), uintptr(size), windows.PAGE_EXECUTE_READ, &old) == nil
}

// MarkUnused 取消提交
func (a *SystemAllocator) MarkUnused(off, size int) bool {
	return windows.VirtualFree(a.base+uintptr(off), uintptr(size), windows.MEM_DECOMMIT) == nil
}

// Release 释放整个保留区域
func (a *SystemAllocator) Release() error {
	if a.base == 0 {
		return nil
	}
	err := windows.VirtualFree(a.base, 0, windows.MEM_RELEASE)
	a.base = 0
	return err
}
