package model

import "testing"

func TestDefaultStackState(t *testing.T) {
	doc := DefaultStackState()
	if doc.Deployment.State != StateIdle {
		t.Fatalf("expected idle state, got %q", doc.Deployment.State)
	}
	if doc.Releases == nil {
		t.Fatalf("expected non-nil releases map")
	}
	if len(doc.Releases) != 0 {
		t.Fatalf("expected empty releases map, got %d entries", len(doc.Releases))
	}
}

func TestStrPtrStrVal(t *testing.T) {
	p := StrPtr("v1")
	if StrVal(p) != "v1" {
		t.Fatalf("expected v1, got %q", StrVal(p))
	}
	if StrVal(nil) != "" {
		t.Fatalf("expected empty string for nil pointer")
	}
}

func TestWrapAndKindOf(t *testing.T) {
	base := Wrap(KindDownloadError, "fetch", errSentinel("boom"))
	kind, ok := KindOf(base)
	if !ok || kind != KindDownloadError {
		t.Fatalf("expected KindDownloadError, got %v ok=%v", kind, ok)
	}
	if Wrap(KindDownloadError, "fetch", nil) != nil {
		t.Fatalf("expected Wrap(nil) to return nil")
	}
	if _, ok := KindOf(errSentinel("plain")); ok {
		t.Fatalf("expected KindOf to report ok=false for a non-model error")
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
