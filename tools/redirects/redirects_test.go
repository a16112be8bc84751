package main

import (
	"debug/elf"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestFindRedirects(t *testing.T) {
	dir, err := ioutil.TempDir("", "redirects")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	pkgDir := filepath.Join(dir, "kernel", "goruntime")
	if err = os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}

	src := `package goruntime

// sysAlloc replaces the runtime allocator hook.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc() {}

// helper carries no directive.
func helper() {}
`
	if err = ioutil.WriteFile(filepath.Join(pkgDir, "bootstrap.go"), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	if err = ioutil.WriteFile(filepath.Join(pkgDir, "bootstrap_test.go"), []byte("package goruntime\n\n//go:redirect-from runtime.bogus\nfunc bogus() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err = os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	goFiles, err := collectGoFiles("kernel")
	if err != nil {
		t.Fatal(err)
	}
	if len(goFiles) != 1 {
		t.Fatalf("expected test files to be skipped; got %v", goFiles)
	}

	redirects, err := findRedirects("muffinos", goFiles)
	if err != nil {
		t.Fatal(err)
	}
	if len(redirects) != 1 {
		t.Fatalf("expected 1 redirect; got %d", len(redirects))
	}
	if exp := "runtime.sysAlloc"; redirects[0].src != exp {
		t.Errorf("expected redirect source %q; got %q", exp, redirects[0].src)
	}
	if exp := "muffinos/kernel/goruntime.sysAlloc"; redirects[0].dst != exp {
		t.Errorf("expected redirect destination %q; got %q", exp, redirects[0].dst)
	}
}

func TestFindRedirectsMalformed(t *testing.T) {
	dir, err := ioutil.TempDir("", "redirects")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	goFile := filepath.Join(dir, "bad.go")
	if err = ioutil.WriteFile(goFile, []byte("package bad\n\n//go:redirect-from\nfunc f() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err = findRedirects("muffinos", []string{goFile}); err == nil {
		t.Fatal("expected an error for a directive without a source symbol")
	}
}

func TestModulePath(t *testing.T) {
	dir, err := ioutil.TempDir("", "redirects")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err = os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	if _, err = modulePath(); err == nil {
		t.Fatal("expected an error when go.mod is missing")
	}

	if err = ioutil.WriteFile("go.mod", []byte("// kernel\nmodule muffinos\n\ngo 1.15\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got, err := modulePath(); err != nil || got != "muffinos" {
		t.Fatalf("expected module path muffinos; got %q, %v", got, err)
	}
}

func TestResolveAndEncode(t *testing.T) {
	symbols := []elf.Symbol{
		{Name: "runtime.sysAlloc", Value: 0x1000},
		{Name: "muffinos/kernel/goruntime.sysAlloc", Value: 0x2000},
	}

	redirects := []*redirect{{src: "runtime.sysAlloc", dst: "muffinos/kernel/goruntime.sysAlloc"}}
	if err := resolveSymbols(redirects, symbols); err != nil {
		t.Fatal(err)
	}

	table := encodeTable(redirects)
	if len(table) != 16 {
		t.Fatalf("expected a 16 byte table; got %d", len(table))
	}
	if src, dst := binary.LittleEndian.Uint64(table), binary.LittleEndian.Uint64(table[8:]); src != 0x1000 || dst != 0x2000 {
		t.Fatalf("expected entry (0x1000, 0x2000); got (0x%x, 0x%x)", src, dst)
	}

	specs := []*redirect{
		{src: "runtime.missing", dst: "muffinos/kernel/goruntime.sysAlloc"},
		{src: "runtime.sysAlloc", dst: "muffinos/kernel/goruntime.missing"},
	}
	for specIndex, spec := range specs {
		if err := resolveSymbols([]*redirect{spec}, symbols); err == nil {
			t.Errorf("[spec %d] expected an unresolved symbol error", specIndex)
		}
	}
}
