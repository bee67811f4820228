package mac

import "testing"

func TestCanonical(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF"},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{"Aa:bB:Cc:Dd:Ee:Ff", "AA:BB:CC:DD:EE:FF"},
	}
	for _, c := range cases {
		if got := Canonical(c.in); got != c.want {
			t.Errorf("Canonical(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid("aa:bb:cc:dd:ee:ff") {
		t.Error("expected valid MAC to validate")
	}
	if Valid("not-a-mac") {
		t.Error("expected malformed MAC to fail validation")
	}
	if Valid("aa:bb:cc:dd:ee") {
		t.Error("expected short MAC to fail validation")
	}
}

func TestEqual(t *testing.T) {
	if !Equal("aa-bb-cc-dd-ee-ff", "AA:BB:CC:DD:EE:FF") {
		t.Error("expected different forms of same MAC to be equal")
	}
	if Equal("aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:00") {
		t.Error("expected different MACs to be unequal")
	}
}
