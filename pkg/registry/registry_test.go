package registry

import "testing"

type fakePersonality struct {
	initErr, startErr, stopErr, cleanupErr error
}

func (f *fakePersonality) Init(any) error  { return f.initErr }
func (f *fakePersonality) Start() error    { return f.startErr }
func (f *fakePersonality) Stop() error     { return f.stopErr }
func (f *fakePersonality) Cleanup() error  { return f.cleanupErr }

func TestHappyPathTransitions(t *testing.T) {
	r := New()
	svc := &fakePersonality{}
	if err := r.Register("memkv", svc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Init("memkv", nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	assertState(t, r, "memkv", StateReady)

	if err := r.Start("memkv"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	assertState(t, r, "memkv", StateRunning)

	if err := r.Stop("memkv"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	assertState(t, r, "memkv", StateStopped)

	if err := r.Cleanup("memkv"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	assertState(t, r, "memkv", StateInit)
}

func TestStartRequiresReadyOrStopped(t *testing.T) {
	r := New()
	svc := &fakePersonality{}
	_ = r.Register("memkv", svc)

	if err := r.Start("memkv"); err == nil {
		t.Fatal("expected Start from INIT to fail")
	}
}

func TestStopFailureGoesToError(t *testing.T) {
	r := New()
	svc := &fakePersonality{}
	_ = r.Register("memkv", svc)
	_ = r.Init("memkv", nil)
	_ = r.Start("memkv")

	svc.stopErr = errBoom
	if err := r.Stop("memkv"); err == nil {
		t.Fatal("expected Stop to fail")
	}
	assertState(t, r, "memkv", StateError)
}

func TestDoubleRegisterRejected(t *testing.T) {
	r := New()
	_ = r.Register("memkv", &fakePersonality{})
	if err := r.Register("memkv", &fakePersonality{}); err == nil {
		t.Fatal("expected double-register to fail")
	}
}

func assertState(t *testing.T, r *Registry, name string, want State) {
	t.Helper()
	got, err := r.State(name)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

var errBoom = &stopError{}

type stopError struct{}

func (*stopError) Error() string { return "boom" }
