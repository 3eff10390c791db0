package consensus

import "testing"

func TestMerkleRootSingleLeaf(t *testing.T) {
	leaf := Hash256{1, 2, 3}
	root, err := MerkleRoot([]Hash256{leaf})
	if err != nil {
		t.Fatalf("merkle: %v", err)
	}
	if root != leaf {
		t.Fatalf("single-leaf root should equal the leaf itself, got %x", root)
	}
}

func TestMerkleRootOddLeavesDuplicatesLast(t *testing.T) {
	a, b, c := Hash256{1}, Hash256{2}, Hash256{3}
	root, err := MerkleRoot([]Hash256{a, b, c})
	if err != nil {
		t.Fatalf("merkle: %v", err)
	}
	// Level 1 is h(a,b), h(c,c): the odd last hash pairs with a copy of
	// itself, it is never carried forward unhashed.
	ab := DoubleSHA256(append(append([]byte{}, a[:]...), b[:]...))
	cc := DoubleSHA256(append(append([]byte{}, c[:]...), c[:]...))
	want := DoubleSHA256(append(append([]byte{}, ab[:]...), cc[:]...))
	if root != want {
		t.Fatalf("merkle root mismatch: got %x want %x", root, want)
	}
}

func TestMerkleRootRejectsEmpty(t *testing.T) {
	if _, err := MerkleRoot(nil); err == nil {
		t.Fatal("expected error for empty tx list")
	}
}

func TestMerkleRootDeterministicOrder(t *testing.T) {
	a, b := Hash256{1}, Hash256{2}
	r1, _ := MerkleRoot([]Hash256{a, b})
	r2, _ := MerkleRoot([]Hash256{b, a})
	if r1 == r2 {
		t.Fatal("swapping leaf order must change the root")
	}
}
