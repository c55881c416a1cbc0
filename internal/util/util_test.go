package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestPasswordHash(t *testing.T) {
	params := LightArgon2idParams()

	hash, err := HashPassword("correct horse battery staple", params)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}

	t.Run("Match", func(t *testing.T) {
		ok, err := VerifyPassword("correct horse battery staple", hash)
		if err != nil {
			t.Fatalf("VerifyPassword failed: %v", err)
		}
		if !ok {
			t.Error("expected password to match")
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		ok, err := VerifyPassword("wrong", hash)
		if err != nil {
			t.Fatalf("VerifyPassword failed: %v", err)
		}
		if ok {
			t.Error("expected password mismatch")
		}
	})

	t.Run("SaltedPerHash", func(t *testing.T) {
		other, _ := HashPassword("correct horse battery staple", params)
		if other == hash {
			t.Error("hashes of the same password should differ")
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, bad := range []string{"", "plain", "$bcrypt$x$y$z$w", "$argon2id$v=19$m=x$a$b"} {
			if _, err := VerifyPassword("p", bad); err != ErrMalformedHash {
				t.Errorf("VerifyPassword(%q) = %v, want ErrMalformedHash", bad, err)
			}
		}
	})
}

func TestDefaultArgon2idParams_MeetsOWASPMinimums(t *testing.T) {
	p := DefaultArgon2idParams()
	if p.Time < 3 {
		t.Errorf("default Time=%d is below OWASP recommended minimum of 3", p.Time)
	}
	if p.MemoryKiB < 64*1024 {
		t.Errorf("default MemoryKiB=%d is below OWASP recommended minimum of %d (64 MiB)", p.MemoryKiB, 64*1024)
	}
}

func TestRandom(t *testing.T) {
	t.Run("RandomBytes", func(t *testing.T) {
		b1, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		b2, _ := RandomBytes(32)
		if len(b1) != 32 {
			t.Errorf("expected 32 bytes, got %d", len(b1))
		}
		if bytes.Equal(b1, b2) {
			t.Error("RandomBytes should produce different outputs")
		}
	})

	t.Run("RandomChars", func(t *testing.T) {
		s, err := RandomChars(8)
		if err != nil {
			t.Fatalf("RandomChars failed: %v", err)
		}
		if len(s) != 8 {
			t.Errorf("expected length 8, got %d", len(s))
		}
		if strings.ContainsAny(s, "01OIL") {
			t.Errorf("RandomChars produced an ambiguous character: %s", s)
		}
	})

	t.Run("RandomToken", func(t *testing.T) {
		tok, err := RandomToken(24)
		if err != nil {
			t.Fatalf("RandomToken failed: %v", err)
		}
		if len(tok) != 32 {
			t.Errorf("expected 32 encoded chars, got %d", len(tok))
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Errorf("token is not URL safe: %s", tok)
		}
	})
}
