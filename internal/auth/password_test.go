package auth

import "testing"

func TestHashAndCheckAccessCode(t *testing.T) {
	hash, err := HashAccessCode("studio-1234")
	if err != nil {
		t.Fatalf("HashAccessCode: %v", err)
	}
	if hash == "studio-1234" {
		t.Fatal("hash should not equal the plaintext code")
	}

	if err := CheckAccessCode(hash, "studio-1234"); err != nil {
		t.Fatalf("CheckAccessCode with correct code: %v", err)
	}
	if err := CheckAccessCode(hash, "wrong-code"); err == nil {
		t.Fatal("expected mismatch error for wrong code")
	}
}
