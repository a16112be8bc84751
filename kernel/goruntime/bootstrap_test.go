package goruntime

import (
	"muffinos/kernel"
	"muffinos/kernel/kfmt"
	"muffinos/kernel/mm"
	"muffinos/kernel/mm/mmtest"
	"muffinos/kernel/mm/vmm"
	"reflect"
	"testing"
	"unsafe"
)

var errMapFailed = &kernel.Error{Module: "test", Message: "map failed"}

// mockHooks restores the package hooks once the test completes.
func mockHooks(t *testing.T) {
	t.Cleanup(func() {
		mapFn = vmm.Map
		earlyReserveRegionFn = vmm.EarlyReserveRegion
		frameAllocFn = mm.AllocFrame
		panicFn = kfmt.Panic
	})
}

func TestSysReserve(t *testing.T) {
	mockHooks(t)

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize       uintptr
			expRegionSize uintptr
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 100 << mm.PageShift},
			// size should be rounded up to nearest page size
			{2*mm.PageSize - 1, 2 * mm.PageSize},
		}

		for specIndex, spec := range specs {
			earlyReserveRegionFn = func(rsvSize uintptr) (uintptr, *kernel.Error) {
				if rsvSize != spec.expRegionSize {
					t.Errorf("[spec %d] expected reservation size to be %d; got %d", specIndex, spec.expRegionSize, rsvSize)
				}

				return 0xffffc00000000000, nil
			}

			if ptr := sysReserve(nil, spec.reqSize); uintptr(ptr) != 0xffffc00000000000 {
				t.Errorf("[spec %d] expected sysReserve to return 0xffffc00000000000; got 0x%x", specIndex, uintptr(ptr))
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "consumed available address space"}
		earlyReserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
			return 0, expErr
		}

		var panicked interface{}
		panicFn = func(e interface{}) { panicked = e }

		if ptr := sysReserve(nil, 0xf00); ptr != nil {
			t.Fatalf("expected sysReserve to return nil; got 0x%x", uintptr(ptr))
		}
		if panicked != expErr {
			t.Fatalf("expected sysReserve to panic with %v; got %v", expErr, panicked)
		}
	})
}

func TestSysMap(t *testing.T) {
	mockHooks(t)

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqAddr      uintptr
			reqSize      uintptr
			expStartAddr uintptr
			expMapCount  int
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 4 * mm.PageSize, 100 << mm.PageShift, 4},
			// address should be rounded up to nearest page size
			{(100 << mm.PageShift) + 1, 4 * mm.PageSize, 101 << mm.PageShift, 4},
			// size should be rounded up to nearest page size
			{1 << mm.PageShift, (4 * mm.PageSize) + 1, 1 << mm.PageShift, 5},
		}

		for specIndex, spec := range specs {
			env := mmtest.NewEnv(t, 8*mm.PageSize)

			var (
				sysStat uint64
				mapped  []mm.Page
			)
			mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
				if flags != heapMapFlags {
					t.Errorf("[spec %d] expected map flags to be %d; got %d", specIndex, heapMapFlags, flags)
				}
				for index, b := range env.Mem.Access(frame.Address(), mm.PageSize) {
					if b != 0 {
						t.Errorf("[spec %d] expected frame %d to be zeroed; byte %d is 0x%x", specIndex, frame, index, b)
						break
					}
				}
				mapped = append(mapped, page)
				return nil
			}
			frameAllocFn = func() (mm.Frame, *kernel.Error) {
				frame, err := env.Alloc.AllocFrame()
				if err == nil {
					env.Mem.Fill(frame, 0xfe)
				}
				return frame, err
			}

			sysMap(unsafe.Pointer(spec.reqAddr), spec.reqSize, &sysStat)

			if len(mapped) != spec.expMapCount {
				t.Errorf("[spec %d] expected map call count to be %d; got %d", specIndex, spec.expMapCount, len(mapped))
				continue
			}
			if exp := mm.PageFromAddress(spec.expStartAddr); mapped[0] != exp {
				t.Errorf("[spec %d] expected mapping to start at page %d; got %d", specIndex, exp, mapped[0])
			}
			if exp := uint64(spec.expMapCount << mm.PageShift); sysStat != exp {
				t.Errorf("[spec %d] expected stat counter to be %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	t.Run("map fails", func(t *testing.T) {
		env := mmtest.NewEnv(t, 8*mm.PageSize)
		freeBefore := env.FreeFrames()

		frameAllocFn = mm.AllocFrame
		mapFn = func(_ mm.Page, _ mm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error {
			return errMapFailed
		}

		var panicked interface{}
		panicFn = func(e interface{}) { panicked = e }

		var sysStat uint64
		sysMap(unsafe.Pointer(uintptr(0xbadf000)), 1, &sysStat)

		if panicked != errMapFailed {
			t.Fatalf("expected sysMap to panic with errMapFailed; got %v", panicked)
		}
		if sysStat != 0 {
			t.Fatalf("expected stat counter to remain 0; got %d", sysStat)
		}
		if got := env.FreeFrames(); got != freeBefore {
			t.Fatalf("expected the unmapped frame to be released; free frames %d, want %d", got, freeBefore)
		}
	})
}

func TestSysAlloc(t *testing.T) {
	mockHooks(t)

	expRegionStartAddr := uintptr(0xffffc00000000000)
	earlyReserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
		return expRegionStartAddr, nil
	}

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize     uintptr
			expMapCount int
		}{
			// exact multiple of page size
			{4 * mm.PageSize, 4},
			// round up to nearest page size
			{(4 * mm.PageSize) + 1, 5},
		}

		for specIndex, spec := range specs {
			mmtest.NewEnv(t, 8*mm.PageSize)
			frameAllocFn = mm.AllocFrame

			var (
				sysStat  uint64
				mapCount int
			)
			mapFn = func(page mm.Page, _ mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
				if exp := mm.PageFromAddress(expRegionStartAddr) + mm.Page(mapCount); page != exp {
					t.Errorf("[spec %d] expected page %d to be mapped; got %d", specIndex, exp, page)
				}
				if flags != heapMapFlags {
					t.Errorf("[spec %d] expected map flags to be %d; got %d", specIndex, heapMapFlags, flags)
				}
				mapCount++
				return nil
			}

			if got := sysAlloc(spec.reqSize, &sysStat); uintptr(got) != expRegionStartAddr {
				t.Errorf("[spec %d] expected sysAlloc to return address 0x%x; got 0x%x", specIndex, expRegionStartAddr, uintptr(got))
			}
			if mapCount != spec.expMapCount {
				t.Errorf("[spec %d] expected map call count to be %d; got %d", specIndex, spec.expMapCount, mapCount)
			}
			if exp := uint64(spec.expMapCount << mm.PageShift); sysStat != exp {
				t.Errorf("[spec %d] expected stat counter to be %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	t.Run("earlyReserveRegion fails", func(t *testing.T) {
		defer func() {
			earlyReserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
				return expRegionStartAddr, nil
			}
		}()
		earlyReserveRegionFn = func(_ uintptr) (uintptr, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != nil {
			t.Fatalf("expected sysAlloc to return nil if EarlyReserveRegion returns an error; got 0x%x", uintptr(got))
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		frameAllocFn = func() (mm.Frame, *kernel.Error) {
			return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of memory"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != nil {
			t.Fatalf("expected sysAlloc to return nil if AllocFrame returns an error; got 0x%x", uintptr(got))
		}
	})

	t.Run("map fails", func(t *testing.T) {
		mmtest.NewEnv(t, 8*mm.PageSize)
		frameAllocFn = mm.AllocFrame
		mapFn = func(_ mm.Page, _ mm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error {
			return errMapFailed
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != nil {
			t.Fatalf("expected sysAlloc to return nil if Map returns an error; got 0x%x", uintptr(got))
		}
		if sysStat != 0 {
			t.Fatalf("expected stat counter to remain 0; got %d", sysStat)
		}
	})
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different values for each invocation")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
	}()

	var calls []string
	mallocInitFn = func() { calls = append(calls, "malloc") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if exp := []string{"malloc", "alg", "modules", "typelinks", "itabs"}; !reflect.DeepEqual(calls, exp) {
		t.Fatalf("expected runtime init order %v; got %v", exp, calls)
	}
}
