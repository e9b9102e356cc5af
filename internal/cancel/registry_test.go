package cancel

import "testing"

func TestRegisterAndCancelInvokesFn(t *testing.T) {
	r := New()

	var canceled bool
	pid, secret, err := r.Register(func() { canceled = true })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if ok := r.Cancel(pid, secret); !ok {
		t.Error("expected Cancel to find the registered session")
	}
	if !canceled {
		t.Error("expected the registered cancelFn to have been invoked")
	}
}

func TestCancelUnknownSessionIsNoop(t *testing.T) {
	r := New()
	if ok := r.Cancel(999, 12345); ok {
		t.Error("expected Cancel for an unregistered (pid,secret) to report false")
	}
}

func TestCancelWrongSecretIsNoop(t *testing.T) {
	r := New()
	pid, _, err := r.Register(func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ok := r.Cancel(pid, 999999); ok {
		t.Error("expected Cancel with the right pid but wrong secret to report false")
	}
}

func TestUnregisterRemovesSession(t *testing.T) {
	r := New()
	pid, secret, err := r.Register(func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Unregister(pid, secret)

	if ok := r.Cancel(pid, secret); ok {
		t.Error("expected Cancel to fail after Unregister")
	}
}

func TestRegisterAssignsDistinctPIDs(t *testing.T) {
	r := New()
	pid1, _, err := r.Register(func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	pid2, _, err := r.Register(func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if pid1 == pid2 {
		t.Error("expected distinct PIDs for distinct registrations")
	}
}

func TestCount(t *testing.T) {
	r := New()
	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got count=%d", r.Count())
	}

	pid, secret, err := r.Register(func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("expected count=1 after Register, got %d", r.Count())
	}

	r.Unregister(pid, secret)
	if r.Count() != 0 {
		t.Errorf("expected count=0 after Unregister, got %d", r.Count())
	}
}
