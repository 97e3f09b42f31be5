package gateway

import (
	"strings"
	"testing"
)

func TestSanitize_StripsBookkeepingLines(t *testing.T) {
	in := "Task done.\nSession: sessions/2026-08-26-ab12.md\nAuto skill: weather\nAuto script: run-1234\nAll good."
	got := Sanitize(in)
	if strings.Contains(got, "Session:") || strings.Contains(got, "Auto skill:") || strings.Contains(got, "Auto script:") {
		t.Fatalf("bookkeeping lines survived: %q", got)
	}
	if !strings.Contains(got, "Task done.") || !strings.Contains(got, "All good.") {
		t.Fatalf("content lines lost: %q", got)
	}
}

func TestSanitize_RedactsLocalPaths(t *testing.T) {
	cases := []string{
		"saved to /home/user/.openpocket/sessions/x.md ok",
		"see /root/workspace/scripts/runs/run-1/stdout.log",
		"artifact at ~/state/human-auth-artifacts/a.png",
		"dumped /tmp/shot.png",
		"on mac: /Users/me/Library/x.txt",
	}
	for _, in := range cases {
		got := Sanitize(in)
		if !strings.Contains(got, "[local path]") {
			t.Errorf("Sanitize(%q) = %q, path not redacted", in, got)
		}
		if strings.Contains(got, ".openpocket") || strings.Contains(got, "workspace/scripts") {
			t.Errorf("Sanitize(%q) = %q, path leaked", in, got)
		}
	}
}

func TestSanitize_KeepsURLs(t *testing.T) {
	in := "Approve at https://example.trycloudflare.com/human-auth/abc?token=t"
	got := Sanitize(in)
	if !strings.Contains(got, "https://example.trycloudflare.com") {
		t.Fatalf("url mangled: %q", got)
	}
}

func TestSanitize_CollapsesBlankRuns(t *testing.T) {
	got := Sanitize("a\n\n\n\n\nb")
	if got != "a\n\nb" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitize_TruncatesAtProviderLimit(t *testing.T) {
	in := strings.Repeat("é", 5000)
	got := Sanitize(in)
	if len(got) > telegramMessageLimit {
		t.Fatalf("len = %d, over limit", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatal("missing truncation marker")
	}
	// No torn rune before the marker.
	for _, r := range got {
		if r == '�' {
			t.Fatal("truncation split a rune")
		}
	}
}

func TestSanitize_ShortTextUnchanged(t *testing.T) {
	if got := Sanitize("all done"); got != "all done" {
		t.Fatalf("got %q", got)
	}
}
