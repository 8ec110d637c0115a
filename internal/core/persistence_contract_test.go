package core

import (
	"go/types"
	"sort"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestPersistentStoreImplementationsAreSanctioned fails when a concrete
// domain.PersistentStore shows up outside the persistence backends. A new
// backend must be added here on purpose.
func TestPersistentStoreImplementationsAreSanctioned(t *testing.T) {
	if testing.Short() {
		t.Skip("loads every package in the module")
	}
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes}
	pkgs, err := packages.Load(cfg, "propledger/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var store *types.Interface
	for _, p := range pkgs {
		if p.PkgPath != "propledger/pkg/domain" {
			continue
		}
		obj := p.Types.Scope().Lookup("PersistentStore")
		if obj == nil {
			t.Fatal("domain.PersistentStore not found")
		}
		iface, ok := obj.Type().Underlying().(*types.Interface)
		if !ok {
			t.Fatal("domain.PersistentStore is not an interface")
		}
		store = iface
	}
	if store == nil {
		t.Fatal("pkg/domain not loaded")
	}

	allowed := map[string]bool{
		"propledger/internal/infra/persistence/memory":   true,
		"propledger/internal/infra/persistence/sqlstore": true,
		"propledger/internal/infra/persistence/sqlite":   true,
		"propledger/internal/infra/persistence/postgres": true,
	}
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil || allowed[p.PkgPath] {
			continue
		}
		scope := p.Types.Scope()
		for _, name := range scope.Names() {
			named, ok := scope.Lookup(name).Type().(*types.Named)
			if !ok {
				continue
			}
			if _, isStruct := named.Underlying().(*types.Struct); !isStruct {
				continue
			}
			if types.Implements(types.NewPointer(named), store) {
				unexpected = append(unexpected, p.PkgPath+"."+name)
			}
		}
	}
	sort.Strings(unexpected)
	if len(unexpected) > 0 {
		t.Fatalf("unexpected PersistentStore implementations: %v", unexpected)
	}
}
