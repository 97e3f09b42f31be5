package main

import (
	"context"
	"strings"
	"testing"
)

func TestFindPermissionCase(t *testing.T) {
	c, err := findPermissionCase("")
	if err != nil || c.ID != "camera" {
		t.Fatalf("default case = %+v (%v)", c, err)
	}
	c, err = findPermissionCase("location")
	if err != nil || c.ID != "location" {
		t.Fatalf("case = %+v (%v)", c, err)
	}
	if _, err = findPermissionCase("bluetooth"); err == nil {
		t.Fatal("unknown case must error")
	}
}

func TestTestVerb_SubcommandDispatch(t *testing.T) {
	a := &app{}
	ctx := context.Background()

	if code, err := a.testVerb(ctx, nil); code != exitUser || err == nil {
		t.Fatalf("no args: code %d, err %v", code, err)
	}
	if code, err := a.testVerb(ctx, []string{"permission-app", "frobnicate"}); code != exitUser || err == nil {
		t.Fatalf("unknown sub: code %d, err %v", code, err)
	}
	if code, err := a.testVerb(ctx, []string{"permission-app", "cases"}); code != exitOK || err != nil {
		t.Fatalf("cases: code %d, err %v", code, err)
	}
	_, err := a.testVerb(ctx, []string{"permission-app", "task", "--case", "contacts", "--send"})
	if err == nil || !strings.Contains(err.Error(), "--chat") {
		t.Fatalf("send without chat: %v", err)
	}
	_, err = a.testVerb(ctx, []string{"permission-app", "run", "--case", "nope"})
	if err == nil || !strings.Contains(err.Error(), "unknown case") {
		t.Fatalf("run with bad case: %v", err)
	}
}
