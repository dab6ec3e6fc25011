package broker

import "testing"

func TestAdmissionGlobalCap(t *testing.T) {
	r := NewRegistry()
	r.Create(NewSession("a", "digest-x", 0))
	r.Create(NewSession("b", "digest-y", 0))

	p := NewAdmissionPolicy(r, 2, 0, 0, 0)
	err := p.Admit("digest-z")
	if err == nil {
		t.Fatalf("expected global cap to deny admission")
	}
	be, ok := AsBrokerError(err)
	if !ok || be.Code != CodeAdmissionDenied || be.Reason != ReasonGlobalCap {
		t.Fatalf("expected AdmissionDenied/GlobalCap, got %v", err)
	}
}

func TestAdmissionPerCredentialCap(t *testing.T) {
	r := NewRegistry()
	r.Create(NewSession("a", "digest-x", 0))
	r.Create(NewSession("b", "digest-x", 0))

	p := NewAdmissionPolicy(r, 0, 2, 0, 0)
	err := p.Admit("digest-x")
	if err == nil {
		t.Fatalf("expected per-credential cap to deny admission")
	}
	be, ok := AsBrokerError(err)
	if !ok || be.Code != CodeAdmissionDenied || be.Reason != ReasonPerCredentialCap {
		t.Fatalf("expected AdmissionDenied/PerCredentialCap, got %v", err)
	}
}

func TestAdmissionAllowsUnderCaps(t *testing.T) {
	r := NewRegistry()
	r.Create(NewSession("a", "digest-x", 0))

	p := NewAdmissionPolicy(r, 10, 10, 0, 0)
	if err := p.Admit("digest-x"); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestAdmissionRateLimited(t *testing.T) {
	r := NewRegistry()
	p := NewAdmissionPolicy(r, 0, 0, 1, 1)

	if err := p.Admit("digest-x"); err != nil {
		t.Fatalf("expected the first attempt (burst) to be admitted, got %v", err)
	}
	err := p.Admit("digest-x")
	if err == nil {
		t.Fatalf("expected the second immediate attempt to be rate limited")
	}
	be, ok := AsBrokerError(err)
	if !ok || be.Code != CodeAdmissionDenied {
		t.Fatalf("expected AdmissionDenied, got %v", err)
	}
}

func TestAdmissionSetCapsLive(t *testing.T) {
	r := NewRegistry()
	r.Create(NewSession("a", "digest-x", 0))

	p := NewAdmissionPolicy(r, 1, 0, 0, 0)
	if err := p.Admit("digest-y"); err == nil {
		t.Fatalf("expected cap of 1 to deny a second session")
	}
	p.SetCaps(5, 0)
	if err := p.Admit("digest-y"); err != nil {
		t.Fatalf("expected raised cap to admit, got %v", err)
	}
}
