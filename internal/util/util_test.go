package util

import "testing"

func TestHideToken(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"ab":               "ab",
		"abcd":             "a...d",
		"abcdefgh":         "ab...gh",
		"cat_0123456789ab": "cat_0123...89ab",
	}
	for in, want := range cases {
		if got := HideToken(in); got != want {
			t.Fatalf("HideToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskSensitiveQuery(t *testing.T) {
	got := MaskSensitiveQuery("call_token=cat_0123456789abcdef&limit=10")
	want := "call_token=cat_0123...cdef&limit=10"
	if got != want {
		t.Fatalf("masked = %q, want %q", got, want)
	}
	if raw := "limit=10&offset=5"; MaskSensitiveQuery(raw) != raw {
		t.Fatalf("query without secrets was changed")
	}
}
