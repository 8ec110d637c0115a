// Package testutil provides test helpers that enforce package layering:
// public packages stay free of internal ones, and infrastructure is reached
// only through its wrapper package.
package testutil

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// Module is the module path every guard pattern is rooted at.
const Module = "propledger"

// ImportRule reports whether pkg may not import imp.
type ImportRule func(pkg, imp string) bool

// AssertNoImports loads pattern (e.g. "propledger/...") and fails when any
// non-test package imports something rule forbids.
func AssertNoImports(t testing.TB, pattern string, rule ImportRule, reason string) {
	t.Helper()
	viols, err := importViolations(pattern, rule)
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	failIfViolations(t, "forbidden imports detected", reason, viols)
}

// AssertNoDirectImports scans the non-test .go files in dir and fails if any
// import path matches forbidden. Build tags are ignored.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfViolations(t, "forbidden direct imports detected", reason, viols)
}

// PublicImportsInternal forbids packages under pkg/ from importing internal/.
func PublicImportsInternal(pkg, imp string) bool {
	return within(pkg, Module+"/pkg") && IsInternal(imp)
}

// InfraOutsideWrapper returns a rule allowing only wrapper (and infra itself)
// to import packages under infra.
func InfraOutsideWrapper(infra, wrapper string) ImportRule {
	return func(pkg, imp string) bool {
		if within(pkg, wrapper) || within(pkg, infra) {
			return false
		}
		return within(imp, infra)
	}
}

// IsInternal reports whether path names an internal package.
func IsInternal(path string) bool {
	return strings.Contains(path, "/internal/") || strings.HasSuffix(path, "/internal")
}

func within(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

var loadPackages = func(pattern string) ([]*packages.Package, error) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	return packages.Load(cfg, pattern)
}

func importViolations(pattern string, rule ImportRule) ([]string, error) {
	pkgs, err := loadPackages(pattern)
	if err != nil {
		return nil, err
	}
	var errs []string
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			errs = append(errs, e.Error())
		}
	})
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(errs, "\n"))
	}
	var viols []string
	for _, p := range pkgs {
		for imp := range p.Imports {
			if rule(p.PkgPath, imp) {
				viols = append(viols, p.PkgPath+" -> "+imp)
			}
		}
	}
	sort.Strings(viols)
	return viols, nil
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			ip := strings.Trim(imp.Path.Value, `"`)
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, what, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("%s (%s):\n%s", what, reason, strings.Join(viols, "\n"))
	}
}
