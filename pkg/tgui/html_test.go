package tgui

import "testing"

func TestEscAndTags(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		got  H
		want string
	}{
		{"esc", Esc(`<a & "b">`), "&lt;a &amp; &#34;b&#34;&gt;"},
		{"bold", B("EUR/USD <x>"), "<b>EUR/USD &lt;x&gt;</b>"},
		{"code", Code("1.0850"), "<code>1.0850</code>"},
		{"field", Field("Entry", Code("1.2")), "<b>Entry:</b> <code>1.2</code>"},
		{"link", Link("read", `https://x.test/?a=1&b="2"`), `<a href="https://x.test/?a=1&amp;b=&#34;2&#34;">read</a>`},
		{"join", JoinH("\n", B("a"), "", "  ", I("b")), "<b>a</b>\n<i>b</i>"},
	}
	for _, tc := range cases {
		if tc.got.String() != tc.want {
			t.Fatalf("%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello…"},
		{"héllo wörld", 7, "héllo w…"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
