package security

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher_HashAndCompare(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	hash, err := h.Hash("secret1")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if hash == "secret1" {
		t.Fatal("hash must not equal the password")
	}
	if err := h.Compare(hash, "secret1"); err != nil {
		t.Errorf("Compare(correct) error = %v", err)
	}
	if err := h.Compare(hash, "secret2"); err == nil {
		t.Error("Compare(wrong) should fail")
	}
}

func TestNewBcryptHasher_DefaultCost(t *testing.T) {
	if h := NewBcryptHasher(0); h.cost != bcrypt.DefaultCost {
		t.Errorf("cost = %d, want %d", h.cost, bcrypt.DefaultCost)
	}
}
