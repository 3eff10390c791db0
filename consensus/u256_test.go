package consensus

import "testing"

func TestU256AddSaturatingClampsAtMax(t *testing.T) {
	sum := MaxU256().AddSaturating(U256FromUint64(1))
	if sum.Cmp(MaxU256()) != 0 {
		t.Fatalf("expected saturation at max, got %s", sum)
	}
}

func TestU256BytesRoundTrip(t *testing.T) {
	var b [32]byte
	b[31] = 0xff
	b[30] = 0x01
	u := U256FromBytesBE(b)
	if u.Bytes32() != b {
		t.Fatalf("round trip mismatch: %x", u.Bytes32())
	}
}

func TestPowOfTwoSaturating(t *testing.T) {
	got := PowOfTwoSaturating(8)
	want := U256FromUint64(256)
	if got.Cmp(want) != 0 {
		t.Fatalf("2^8 mismatch: got %s want %s", got, want)
	}
	if PowOfTwoSaturating(300).Cmp(MaxU256()) != 0 {
		t.Fatal("expected saturation for exp >= 256")
	}
}
