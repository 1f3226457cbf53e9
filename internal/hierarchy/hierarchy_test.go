package hierarchy

import (
	"errors"
	"sync"
	"testing"

	"github.com/kolkov/classweave/internal/classfile"
)

func testHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	h := New()
	adds := []struct {
		name, super string
		iface       bool
	}{
		{"app/Animal", "", false},
		{"app/Dog", "app/Animal", false},
		{"app/Cat", "app/Animal", false},
		{"app/Puppy", "app/Dog", false},
		{"app/Pet", "", true},
		{"app/Orphan", "lib/Missing", false},
	}
	for _, a := range adds {
		if err := h.Add(a.name, a.super, a.iface); err != nil {
			t.Fatalf("Add(%s): %v", a.name, err)
		}
	}
	return h
}

func TestCommonSuperClass(t *testing.T) {
	h := testHierarchy(t)
	tests := []struct {
		a, b, want string
		ok         bool
	}{
		{"app/Dog", "app/Dog", "app/Dog", true},
		{"app/Dog", "app/Cat", "app/Animal", true},
		{"app/Puppy", "app/Cat", "app/Animal", true},
		{"app/Puppy", "app/Dog", "app/Dog", true},
		{"app/Dog", "app/Pet", Object, true},
		{"app/Unknown", "app/Pet", Object, true},
		{"app/Unknown", Object, Object, true},
		{"app/Orphan", "app/Dog", "", false},
		{"app/Unknown", "app/Dog", "", false},
		{"app/Unknown", "app/Other", "", false},
		{"java/lang/RuntimeException", "java/io/IOException", "java/lang/Exception", true},
		{"java/lang/Error", "java/lang/Exception", "java/lang/Throwable", true},
	}
	for _, tt := range tests {
		t.Run(tt.a+"+"+tt.b, func(t *testing.T) {
			if got, ok := h.CommonSuperClass(tt.a, tt.b); got != tt.want || ok != tt.ok {
				t.Errorf("CommonSuperClass = %q, %v, want %q, %v", got, ok, tt.want, tt.ok)
			}
			if got, ok := h.CommonSuperClass(tt.b, tt.a); got != tt.want || ok != tt.ok {
				t.Errorf("CommonSuperClass reversed = %q, %v, want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFreeze(t *testing.T) {
	h := testHierarchy(t)
	h.Freeze()
	if !h.Frozen() {
		t.Fatalf("Frozen() = false after Freeze")
	}
	if err := h.Add("app/Late", "", false); !errors.Is(err, ErrFrozen) {
		t.Errorf("Add after Freeze = %v, want ErrFrozen", err)
	}
	if _, ok := h.SuperClass("app/Late"); ok {
		t.Errorf("class added after Freeze")
	}
}

func TestFromClasses(t *testing.T) {
	encode := func(name, super string, access uint16) []byte {
		b, err := classfile.NewClass(name, super, access).Bytes()
		if err != nil {
			t.Fatalf("Bytes %s: %v", name, err)
		}
		return b
	}
	h := FromClasses(
		encode("app/Base", "java/lang/Object", classfile.AccPublic|classfile.AccSuper),
		encode("app/Sub", "app/Base", classfile.AccPublic|classfile.AccSuper),
		encode("app/Marker", "java/lang/Object", classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract),
		[]byte{0xca, 0xfe},
	)
	if !h.Frozen() {
		t.Error("FromClasses result is not frozen")
	}
	if s, ok := h.SuperClass("app/Sub"); !ok || s != "app/Base" {
		t.Errorf("SuperClass(app/Sub) = %q, %v", s, ok)
	}
	if !h.IsInterface("app/Marker") {
		t.Error("app/Marker is not an interface")
	}
	if got, ok := h.CommonSuperClass("app/Sub", "app/Base"); !ok || got != "app/Base" {
		t.Errorf("CommonSuperClass = %q, %v", got, ok)
	}
}

func TestConcurrentReads(t *testing.T) {
	h := testHierarchy(t)
	h.Freeze()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if got, _ := h.CommonSuperClass("app/Puppy", "app/Cat"); got != "app/Animal" {
					t.Errorf("CommonSuperClass = %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
