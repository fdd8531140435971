package object

import "testing"

func TestLabelRoundTripAndNulTruncation(t *testing.T) {
	l, err := NewLabel("my-key")
	if err != nil {
		t.Fatalf("NewLabel() error = %v", err)
	}
	if got := l.String(); got != "my-key" {
		t.Fatalf("String() = %q, want %q", got, "my-key")
	}

	// The device right-pads with NUL; String() must truncate at the
	// first NUL even if non-NUL bytes happen to follow it.
	var raw Label
	copy(raw[:], "ab")
	raw[3] = 'x'
	if got := raw.String(); got != "ab" {
		t.Fatalf("String() = %q, want %q (truncated at first NUL)", got, "ab")
	}
}

func TestNewLabelRejectsOverLong(t *testing.T) {
	long := make([]byte, LabelLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewLabel(string(long)); err == nil {
		t.Fatal("NewLabel() should reject a label over LabelLength bytes")
	}
}

func TestDomainBit(t *testing.T) {
	if Domain(1) != 1 {
		t.Fatalf("Domain(1) = %d, want 1", Domain(1))
	}
	if Domain(16) != 1<<15 {
		t.Fatalf("Domain(16) = %d, want %d", Domain(16), 1<<15)
	}
}

func TestCapabilitiesHas(t *testing.T) {
	caps := Capabilities(CapabilityAsymmetricGen | CapabilityGetRandomness)
	if !caps.Has(CapabilityAsymmetricGen) {
		t.Fatal("Has() should report the granted capability")
	}
	if caps.Has(CapabilityPutAuthKey) {
		t.Fatal("Has() should not report an ungranted capability")
	}
	if !caps.HasAll(Capabilities(CapabilityAsymmetricGen | CapabilityGetRandomness)) {
		t.Fatal("HasAll() should report both granted capabilities")
	}
	if caps.HasAll(Capabilities(CapabilityAsymmetricGen | CapabilityPutAuthKey)) {
		t.Fatal("HasAll() should not report a partially-granted set")
	}
}

func TestTypeString(t *testing.T) {
	if TypeAsymmetricKey.String() != "asymmetric-key" {
		t.Fatalf("String() = %q", TypeAsymmetricKey.String())
	}
	if got := Type(0xee).String(); got == "" {
		t.Fatal("String() on an unknown type should not return empty")
	}
}
