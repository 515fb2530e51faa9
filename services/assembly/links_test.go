package assembly

import "testing"

func TestLinkTable_Record(t *testing.T) {
	t.Run("first writer wins", func(t *testing.T) {
		lt := newLinkTable()
		if !lt.record("child", "parent-a") {
			t.Fatal("first record should succeed")
		}
		if lt.record("child", "parent-b") {
			t.Error("second record for same child should be rejected")
		}
		p, ok := lt.parent("child")
		if !ok || p != "parent-a" {
			t.Errorf("parent = %q, want parent-a", p)
		}
	})

	t.Run("rejects empty and self edges", func(t *testing.T) {
		lt := newLinkTable()
		if lt.record("", "p") {
			t.Error("empty child accepted")
		}
		if lt.record("c", "") {
			t.Error("empty parent accepted")
		}
		if lt.record("c", "c") {
			t.Error("self edge accepted")
		}
		if lt.size() != 0 {
			t.Errorf("size = %d, want 0", lt.size())
		}
	})

	t.Run("rejects cycles", func(t *testing.T) {
		lt := newLinkTable()
		lt.record("b", "a")
		lt.record("c", "b")
		if lt.record("a", "c") {
			t.Error("cycle-closing edge accepted")
		}
		if lt.record("a", "b") {
			t.Error("two-node cycle accepted")
		}
		// A fresh branch off the chain is fine.
		if !lt.record("d", "a") {
			t.Error("acyclic edge rejected")
		}
	})

	t.Run("remove and size", func(t *testing.T) {
		lt := newLinkTable()
		lt.record("b", "a")
		lt.record("c", "a")
		if lt.size() != 2 {
			t.Fatalf("size = %d, want 2", lt.size())
		}
		lt.remove("b")
		if lt.size() != 1 {
			t.Errorf("size = %d, want 1", lt.size())
		}
		if _, ok := lt.parent("b"); ok {
			t.Error("removed link still present")
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		lt := newLinkTable()
		lt.record("b", "a")
		snap := lt.snapshot()
		delete(snap, "b")
		if _, ok := lt.parent("b"); !ok {
			t.Error("mutating snapshot affected table")
		}
	})
}
