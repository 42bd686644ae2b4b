package resolver

import "testing"

func TestWithIdentity(t *testing.T) {
	if got := WithIdentity("https://realm.test/land", "abc"); got != "https://realm.test/land?push_id=abc" {
		t.Errorf("no query: got %q", got)
	}
	if got := WithIdentity("https://realm.test/land?x=1", "abc"); got != "https://realm.test/land?x=1&push_id=abc" {
		t.Errorf("with query: got %q", got)
	}
	if got := WithIdentity("https://realm.test/land", ""); got != "https://realm.test/land" {
		t.Errorf("empty identity should be a no-op, got %q", got)
	}
}

func TestStripParam(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://r.test/a?push_id=1", "https://r.test/a"},
		{"https://r.test/a?x=1&push_id=1&y=2", "https://r.test/a?x=1&y=2"},
		{"https://r.test/a?push_id=1&push_id=2", "https://r.test/a"},
		{"https://r.test/a?x=1#frag", "https://r.test/a?x=1#frag"},
		{"https://r.test/a?push_id=1#frag", "https://r.test/a#frag"},
		{"https://r.test/a", "https://r.test/a"},
		{"https://r.test/a?push_idx=1", "https://r.test/a?push_idx=1"},
	}
	for _, c := range cases {
		if got := StripParam(c.in, IdentityParam); got != c.want {
			t.Errorf("StripParam(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPathToken(t *testing.T) {
	if got := PathToken("https://example.com/x?pathid=abc"); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
	if got := PathToken("https://example.com/x"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
	if got := PathToken("%zz"); got != "" {
		t.Errorf("unparsable URL should yield empty token, got %q", got)
	}
}

func TestValid(t *testing.T) {
	valid := []string{"https://example.com", "http://127.0.0.1:8080/x?y=1"}
	invalid := []string{"", "example.com", "/x", "://x", "http://"}
	for _, raw := range valid {
		if !Valid(raw) {
			t.Errorf("%q should be valid", raw)
		}
	}
	for _, raw := range invalid {
		if Valid(raw) {
			t.Errorf("%q should be invalid", raw)
		}
	}
}
