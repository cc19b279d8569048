package richtext

import (
	"strings"
	"testing"
)

func TestPlainText(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		want   string
		wantOK bool
	}{
		{
			name:   "simple ops",
			body:   `[{"insert":"Grocery list"},{"insert":"\nmilk\neggs\n"}]`,
			want:   "Grocery list\nmilk\neggs\n",
			wantOK: true,
		},
		{
			name:   "ops with attributes",
			body:   `[{"insert":"bold text","attributes":{"bold":true}},{"insert":"\n"}]`,
			want:   "bold text\n",
			wantOK: true,
		},
		{
			name:   "embeds skipped",
			body:   `[{"insert":"before "},{"insert":{"image":"pic.png"}},{"insert":" after"}]`,
			want:   "before  after",
			wantOK: true,
		},
		{
			name:   "wrapped ops object",
			body:   `{"ops":[{"insert":"wrapped"}]}`,
			want:   "wrapped",
			wantOK: true,
		},
		{name: "plain sentence", body: "just a plain body", wantOK: false},
		{name: "invalid json array", body: "[not json", wantOK: false},
		{name: "json but not ops", body: `{"title":"x"}`, wantOK: false},
		{name: "empty", body: "", wantOK: false},
		{name: "only embeds", body: `[{"insert":{"image":"pic.png"}}]`, wantOK: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := PlainText(tc.body)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && got != tc.want {
				t.Errorf("text = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPreviewFallsBackToRawBody(t *testing.T) {
	if got := Preview("plain body text", 500); got != "plain body text" {
		t.Errorf("Preview = %q", got)
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := strings.Repeat("a", 600)
	body := `[{"insert":"` + long + `"}]`

	got := Preview(body, 500)
	if len(got) != 500 {
		t.Errorf("preview length = %d, want 500", len(got))
	}
}

func TestPreviewTruncationRuneSafe(t *testing.T) {
	// 300 two-rune pairs of multi-byte characters, 600 runes total.
	long := strings.Repeat("日本", 300)

	got := Preview(long, 500)
	runes := []rune(got)
	if len(runes) != 500 {
		t.Errorf("preview rune count = %d, want 500", len(runes))
	}
	if !strings.HasPrefix(long, got) {
		t.Error("truncation split a character")
	}
}

func TestPreviewTrimsWhitespace(t *testing.T) {
	body := `[{"insert":"  padded  \n"}]`
	if got := Preview(body, 500); got != "padded" {
		t.Errorf("Preview = %q, want %q", got, "padded")
	}
}
