package script

import (
	"strings"
	"testing"
)

var testAllowlist = []string{"echo", "ls", "cat", "grep", "curl", "am", "wc"}

func TestValidate_Allowed(t *testing.T) {
	cases := []string{
		"echo hello",
		"ls -la | grep foo",
		"cat file.txt && echo done",
		"FOO=bar echo $FOO",
		"echo one; echo two",
		"# just a comment\necho after",
		"echo 'has # inside quotes'",
		"curl -s https://example.com | wc -l",
	}
	for _, script := range cases {
		if err := Validate(script, testAllowlist); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", script, err)
		}
	}
}

func TestValidate_Blocked(t *testing.T) {
	cases := []struct {
		script string
		want   string
	}{
		{"rm -rf /tmp/x", "Command 'rm' is not allowed by the script executor allowlist"},
		{"rm -rf /tmp/foo", "Command 'rm' is not allowed by the script executor allowlist"},
		{"rm -rf /", "denied pattern"},
		{"rm -rf / ", "denied pattern"},
		{"rm -rf /*", "denied pattern"},
		{"echo a; rm -rf /", "denied pattern"},
		{"echo ok && wget http://x", "Command 'wget' is not allowed"},
		{"ls | python3 -c 'x'", "Command 'python3' is not allowed"},
		{"sudo echo hi", "denied pattern"},
		{"echo hi; shutdown now", "denied pattern"},
		{"dd if=/dev/zero of=/dev/sda", "denied pattern"},
		{"echo a\nreboot", "denied pattern"},
		{"", "empty"},
	}
	for _, tc := range cases {
		err := Validate(tc.script, testAllowlist)
		if err == nil {
			t.Errorf("Validate(%q) = nil, want error containing %q", tc.script, tc.want)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("Validate(%q) = %q, want substring %q", tc.script, err.Error(), tc.want)
		}
	}
}

func TestValidate_SizeCap(t *testing.T) {
	big := "echo " + strings.Repeat("a", maxScriptChars)
	if err := Validate(big, testAllowlist); err == nil {
		t.Fatal("expected oversize script to be rejected")
	}
}

func TestValidate_DenyInsideComment(t *testing.T) {
	// Deny patterns only apply outside comments.
	if err := Validate("echo hi # do not sudo here", testAllowlist); err != nil {
		t.Fatalf("comment-only deny pattern should pass, got %v", err)
	}
}

func TestCommandName(t *testing.T) {
	cases := []struct {
		segment string
		want    string
	}{
		{"echo hello", "echo"},
		{"FOO=bar ls", "ls"},
		{"A=1 B=2 cat f", "cat"},
		{"> out.txt echo x", "echo"},
		{"FOO=bar", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := commandName(tc.segment); got != tc.want {
			t.Errorf("commandName(%q) = %q, want %q", tc.segment, got, tc.want)
		}
	}
}

func TestSplitSegments(t *testing.T) {
	got := splitSegments("a && b | c; d || e")
	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("splitSegments = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
}
