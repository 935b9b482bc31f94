package recovery

import "testing"

func TestRegister_ReplaceMovesToEnd(t *testing.T) {
	r := NewRegistry()
	var order []string

	r.Register("a", func() { order = append(order, "a1") })
	r.Register("b", func() { order = append(order, "b") })
	r.Register("a", func() { order = append(order, "a2") })

	r.RollbackAll()

	if len(order) != 2 {
		t.Fatalf("RollbackAll ran %d callbacks, want 2: %v", len(order), order)
	}
	// Re-registering "a" moved it to the end of the registration order, so
	// reverse rollback runs the replacement callback first.
	if order[0] != "a2" || order[1] != "b" {
		t.Fatalf("rollback order = %v, want [a2 b]", order)
	}
}

func TestRollbackAll_ClearsRegistry(t *testing.T) {
	r := NewRegistry()
	ran := 0
	r.Register("tx", func() { ran++ })

	r.RollbackAll()
	r.RollbackAll()

	if ran != 1 {
		t.Fatalf("callback ran %d times across two RollbackAll calls, want 1", ran)
	}
}
