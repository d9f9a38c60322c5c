package utils

import "testing"

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatalf("hash must not equal the plaintext")
	}

	if !CheckPassword("correct horse battery staple", hash) {
		t.Fatalf("expected the correct password to verify")
	}
	if CheckPassword("wrong password", hash) {
		t.Fatalf("expected a wrong password to fail verification")
	}
}

func TestPasswordHashesAreSalted(t *testing.T) {
	first, err := HashPassword("password123")
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}
	second, err := HashPassword("password123")
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct hashes for the same password")
	}
}
