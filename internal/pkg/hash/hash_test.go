package hash

import "testing"

func TestSHA256(t *testing.T) {
	tests := []struct {
		input []byte
		want  string
	}{
		{
			[]byte("hello"),
			"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			[]byte(""),
			"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := SHA256(tt.input); got != tt.want {
				t.Errorf("SHA256(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestEmbeddingKey(t *testing.T) {
	a := EmbeddingKey("text-embedding-3-small", "Patient stable.")
	b := EmbeddingKey("text-embedding-3-small", "  Patient stable.\n")
	c := EmbeddingKey("text-embedding-3-large", "Patient stable.")

	if a != b {
		t.Error("surrounding whitespace should not change the key")
	}
	if a == c {
		t.Error("different models must produce different keys")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64", len(a))
	}
}
