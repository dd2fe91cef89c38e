package tcmu

import "testing"

func TestRegistrySubmitUnknownVolume(t *testing.T) {
	r := NewRegistry()
	err := r.Submit("vol0", func(b *Backend) error { return nil })
	if err == nil {
		t.Fatal("expected error submitting to an unregistered volume")
	}
}

func TestRegistryExitEmpty(t *testing.T) {
	r := NewRegistry()
	if err := r.Exit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewBackendAssignsInstanceID(t *testing.T) {
	b := NewBackend(DefaultConfig(), nil)
	if b.InstanceID == "" {
		t.Fatal("expected NewBackend to assign an instance id")
	}
}
