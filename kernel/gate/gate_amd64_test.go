package gate

import (
	"bytes"
	"muffinos/kernel/kfmt"
	"testing"
	"unsafe"
)

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{
		RAX:    1,
		RBX:    2,
		RCX:    3,
		RDX:    4,
		RSI:    5,
		RDI:    6,
		RBP:    7,
		R8:     8,
		R9:     9,
		R10:    10,
		R11:    11,
		R12:    12,
		R13:    13,
		R14:    14,
		R15:    15,
		RIP:    16,
		CS:     17,
		RFlags: 18,
		RSP:    19,
		SS:     20,
	}

	exp := "RAX = 0000000000000001 RBX = 0000000000000002\nRCX = 0000000000000003 RDX = 0000000000000004\nRSI = 0000000000000005 RDI = 0000000000000006\nRBP = 0000000000000007\nR8  = 0000000000000008 R9  = 0000000000000009\nR10 = 000000000000000a R11 = 000000000000000b\nR12 = 000000000000000c R13 = 000000000000000d\nR14 = 000000000000000e R15 = 000000000000000f\n\nRIP = 0000000000000010 CS  = 0000000000000011\nRSP = 0000000000000013 SS  = 0000000000000014\nRFL = 0000000000000012\n"

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestRegistersLayout(t *testing.T) {
	var regs Registers

	// The entry points push 15 registers, the exception number and the
	// error code below the 5-word frame pushed by the CPU.
	if got := unsafe.Offsetof(regs.Number); got != 15*8 {
		t.Fatalf("expected Number at offset %d; got %d", 15*8, got)
	}
	if got := unsafe.Offsetof(regs.RIP); got != 17*8 {
		t.Fatalf("expected RIP at offset %d; got %d", 17*8, got)
	}
	if got := unsafe.Sizeof(regs); got != 22*8 {
		t.Fatalf("expected Registers to be %d bytes; got %d", 22*8, got)
	}
}

func TestFromUserMode(t *testing.T) {
	specs := []struct {
		cs  uint64
		exp bool
	}{
		{0x28, false},
		{0x4b, true},
		{0x23, true},
	}

	for specIndex, spec := range specs {
		regs := Registers{CS: spec.cs}
		if got := regs.FromUserMode(); got != spec.exp {
			t.Errorf("[spec %d] expected FromUserMode() to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestInit(t *testing.T) {
	defer func() { loadIDTFn = loadIDT }()

	var loaded uintptr
	loadIDTFn = func(descriptor uintptr) { loaded = descriptor }

	Init()

	if exp := uintptr(unsafe.Pointer(&idtDescriptor[0])); loaded != exp {
		t.Fatalf("expected descriptor at 0x%x to be loaded; got 0x%x", exp, loaded)
	}

	limit := uint16(idtDescriptor[0]) | uint16(idtDescriptor[1])<<8
	if exp := uint16(exceptionCount*16 - 1); limit != exp {
		t.Fatalf("expected IDT limit %d; got %d", exp, limit)
	}

	var base uint64
	for i := 0; i < 8; i++ {
		base |= uint64(idtDescriptor[2+i]) << (8 * uint(i))
	}
	if exp := uint64(uintptr(unsafe.Pointer(&idt[0]))); base != exp {
		t.Fatalf("expected IDT base 0x%x; got 0x%x", exp, base)
	}
}

func TestHandleInterruptAndDispatch(t *testing.T) {
	defer func() {
		gateEntryAddressFn = gateEntryAddress
		panicFn = kfmt.Panic
		handlers = [exceptionCount]func(*Registers){}
		idt = [exceptionCount]idtEntry{}
	}()

	gateEntryAddressFn = func(index uint8) uintptr {
		return 0xffffffff80102000 + uintptr(index)*16
	}

	var handled *Registers
	HandleInterrupt(PageFaultException, 2, func(regs *Registers) {
		handled = regs
		regs.RAX = 0xbadf00d
	})

	entry := idt[PageFaultException]
	if exp := uintptr(0xffffffff801020e0); entry.address() != exp {
		t.Fatalf("expected gate address 0x%x; got 0x%x", exp, entry.address())
	}
	if entry.selector != kernelCodeSelector || entry.ist != 2 || entry.typeAttr != gateTypeInterrupt {
		t.Fatalf("unexpected gate entry contents: %+v", entry)
	}
	if idt[DoubleFault].typeAttr != 0 {
		t.Fatal("expected gates without a handler to stay non-present")
	}

	regs := &Registers{Number: uint64(PageFaultException), Info: 2}
	dispatchInterrupt(regs)
	if handled != regs || regs.RAX != 0xbadf00d {
		t.Fatal("expected the registered handler to receive the register snapshot")
	}

	// Numbers outside the exception range are ignored.
	HandleInterrupt(InterruptNumber(exceptionCount), 0, func(*Registers) {})

	t.Run("unhandled exception", func(t *testing.T) {
		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)
		defer kfmt.SetOutputSink(nil)

		var panicked interface{}
		panicFn = func(e interface{}) { panicked = e }

		dispatchInterrupt(&Registers{Number: uint64(GPFException), Info: 0x10, RIP: 0xdead})

		if panicked != errUnhandledException {
			t.Fatalf("expected errUnhandledException panic; got %v", panicked)
		}
		if !bytes.Contains(buf.Bytes(), []byte("unhandled exception 13 (error code 0x10)")) {
			t.Fatalf("expected exception banner in output; got %q", buf.String())
		}
		if !bytes.Contains(buf.Bytes(), []byte("  RIP = 000000000000dead")) {
			t.Fatalf("expected indented register dump in output; got %q", buf.String())
		}
	})
}

func TestGateEntryAddress(t *testing.T) {
	seen := make(map[uintptr]uint8)
	for index := uint8(0); index < 32; index++ {
		addr := gateEntryAddress(index)
		if addr == 0 {
			t.Fatalf("expected entry point for exception %d to be linked", index)
		}
		if prev, exists := seen[addr]; exists {
			t.Fatalf("expected exceptions %d and %d to use distinct entry points; both use 0x%x", prev, index, addr)
		}
		seen[addr] = index
	}
}
