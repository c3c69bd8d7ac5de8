package masking

import "testing"

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"abcd":                 "****",
		"sk_live_abcdef123456": "sk_live_****3456",
		"plainkey123456":       "****3456",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskCredentialsOnlyTouchesCredentialFields(t *testing.T) {
	out := MaskCredentials(map[string]any{
		"api_key":  "key_abcdefgh",
		"endpoint": "/search",
		"nested":   map[string]any{"credential": "secretvalue"},
		"credits":  80,
	})
	if out["api_key"] != "key_****efgh" {
		t.Fatalf("api_key not masked: %v", out["api_key"])
	}
	if out["endpoint"] != "/search" || out["credits"] != 80 {
		t.Fatalf("unexpected passthrough: %v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["credential"] != "****alue" {
		t.Fatalf("nested credential not masked: %v", nested["credential"])
	}
}
