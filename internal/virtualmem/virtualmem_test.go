package virtualmem

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// 虚构的架构：每页 4 字节，共 10 页
const testPageSize = 4

func newTestMem(t *testing.T) (*VirtualMem, *HeapAllocator) {
	t.Helper()
	return NewHeap(testPageSize*10, Options{PageSize: testPageSize, MemLimit: 128 * 1024 * 1024, TrapByte: 0x1E})
}

// TestNewMemoryIsInitialized 测试新页被陷阱字节填充
func TestNewMemoryIsInitialized(t *testing.T) {
	v, _ := newTestMem(t)

	if err := v.WriteU8(v.StartPtr(), 1); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < testPageSize; i++ {
		if b := v.mem[i]; b != 0x1E {
			t.Errorf("byte %d: expected trap fill 0x1e, got %#x", i, b)
		}
	}

	// 跳过几页，中间的空隙也必须被填充
	threePages := 3 * testPageSize
	if err := v.WriteU8(v.StartPtr().Add(threePages), 1); err != nil {
		t.Fatal(err)
	}
	for i := testPageSize; i < threePages; i++ {
		if v.mem[i] != 0x1E {
			t.Fatalf("gap byte %d was not filled", i)
		}
	}
	if v.MappedRegionSize() != 4*testPageSize {
		t.Errorf("expected %d mapped bytes, got %d", 4*testPageSize, v.MappedRegionSize())
	}
}

// TestNoRedundantSyscallsOnSamePage 测试同一页的写入不重复申请权限
func TestNoRedundantSyscallsOnSamePage(t *testing.T) {
	v, alloc := newTestMem(t)

	if err := v.WriteU8(v.StartPtr(), 1); err != nil {
		t.Fatal(err)
	}
	if err := v.WriteU8(v.StartPtr().Add(1), 0); err != nil {
		t.Fatal(err)
	}

	want := []Request{{Kind: RequestWritable, Off: 0, Size: testPageSize}}
	if diff := cmp.Diff(want, alloc.Requests); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

// TestBoundsChecking 测试越界写入
func TestBoundsChecking(t *testing.T) {
	v, _ := newTestMem(t)

	onePastEnd := v.StartPtr().Add(v.VirtualRegionSize())
	if err := v.WriteU8(onePastEnd, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}

	endOfAddrSpace := CodePtr{owner: v.id, off: ^uint32(0)}
	if err := v.WriteU8(endOfAddrSpace, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
}

// TestMemoryLimit 测试内存上限
func TestMemoryLimit(t *testing.T) {
	v, _ := NewHeap(testPageSize*10, Options{PageSize: testPageSize, MemLimit: 2 * testPageSize})

	if err := v.WriteU8(v.StartPtr().Add(testPageSize), 1); err != nil {
		t.Fatal(err)
	}
	if err := v.WriteU8(v.StartPtr().Add(2*testPageSize), 1); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds past the memory limit, got %v", err)
	}
}

// TestFailedPageMapping 测试系统拒绝提交
func TestFailedPageMapping(t *testing.T) {
	v, alloc := newTestMem(t)
	alloc.DenyWritable = true

	if err := v.WriteU8(v.StartPtr(), 1); !errors.Is(err, ErrFailedPageMapping) {
		t.Errorf("expected ErrFailedPageMapping, got %v", err)
	}
	if v.MappedRegionSize() != 0 {
		t.Errorf("nothing should be mapped after a failed mapping")
	}
}

// TestWXDiscipline 测试写入和可执行之间的切换
func TestWXDiscipline(t *testing.T) {
	v, alloc := newTestMem(t)

	if err := v.WriteU8(v.StartPtr(), 1); err != nil {
		t.Fatal(err)
	}
	if err := v.MarkAllExecutable(); err != nil {
		t.Fatal(err)
	}
	// 可执行之后再写同一页，必须重新申请写权限
	if err := v.WriteU8(v.StartPtr().Add(1), 2); err != nil {
		t.Fatal(err)
	}

	want := []Request{
		{Kind: RequestWritable, Off: 0, Size: testPageSize},
		{Kind: RequestExecutable, Off: 0, Size: testPageSize},
		{Kind: RequestWritable, Off: 0, Size: testPageSize},
	}
	if diff := cmp.Diff(want, alloc.Requests); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

// TestFreeBytes 测试释放页
func TestFreeBytes(t *testing.T) {
	v, alloc := newTestMem(t)
	for i := 0; i < 2*testPageSize; i++ {
		if err := v.WriteU8(v.StartPtr().Add(i), byte(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.FreeBytes(v.StartPtr().Add(testPageSize), testPageSize); err != nil {
		t.Fatal(err)
	}
	last := alloc.Requests[len(alloc.Requests)-1]
	if last != (Request{Kind: RequestUnused, Off: testPageSize, Size: testPageSize}) {
		t.Errorf("unexpected last request %+v", last)
	}
}

// TestCodePtrScopedToRegion 测试指针不能用于其他区域
func TestCodePtrScopedToRegion(t *testing.T) {
	a, _ := newTestMem(t)
	b, _ := newTestMem(t)

	p := a.StartPtr().Add(3)
	if _, err := b.RawAddr(p); err == nil {
		t.Error("expected RawAddr to reject a pointer from another region")
	}
	if _, err := a.RawAddr(p); err != nil {
		t.Errorf("RawAddr: %v", err)
	}
	if _, err := a.RawAddr(a.StartPtr().Add(a.VirtualRegionSize() + 1)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected a panic when writing through a foreign pointer")
		}
	}()
	_ = b.WriteU8(p, 0)
}
