package apikeys

import (
	"context"
	"strings"
	"testing"
)

import (
	"github.com/halverin/gatekeep/internal/config"
	"github.com/halverin/gatekeep/internal/errs"
)

func TestStaticDirectoryKnownKey(t *testing.T) {
	d := NewStaticDirectory(map[string]config.Limit{
		"key-1": {MaxRequests: 10, WindowMs: 1000},
	})

	rec, err := d.Validate(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !rec.Valid || rec.KeyID != "key-1" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if rec.Limit == nil || rec.Limit.MaxRequests != 10 {
		t.Fatalf("static limit not attached: %#v", rec.Limit)
	}
}

func TestStaticDirectoryUnknownKey(t *testing.T) {
	d := NewStaticDirectory(nil)

	rec, err := d.Validate(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unknown key is not an error: %v", err)
	}
	if rec.Valid {
		t.Fatalf("unknown key must be invalid: %#v", rec)
	}
}

func TestStaticDirectoryOverrideIsACopy(t *testing.T) {
	limits := map[string]config.Limit{"key-1": {MaxRequests: 10, WindowMs: 1000}}
	d := NewStaticDirectory(limits)

	rec, _ := d.Validate(context.Background(), "key-1")
	rec.Limit.MaxRequests = 99

	again, _ := d.Validate(context.Background(), "key-1")
	if again.Limit.MaxRequests != 10 {
		t.Fatal("a caller's mutation leaked into the directory")
	}
}

func TestCheckFormat(t *testing.T) {
	if err := checkFormat(""); errs.KindOf(err) != errs.KindAPIKeyMissing {
		t.Errorf("empty key: %v", err)
	}
	if err := checkFormat("   "); errs.KindOf(err) != errs.KindAPIKeyMissing {
		t.Errorf("blank key: %v", err)
	}
	if err := checkFormat(strings.Repeat("x", maxKeyLength+1)); errs.KindOf(err) != errs.KindInvalidAPIKey {
		t.Errorf("oversized key: %v", err)
	}
	if err := checkFormat("has space"); errs.KindOf(err) != errs.KindInvalidAPIKey {
		t.Errorf("key with space: %v", err)
	}
	if err := checkFormat("has\ttab"); errs.KindOf(err) != errs.KindInvalidAPIKey {
		t.Errorf("key with control char: %v", err)
	}
	if err := checkFormat("well-formed-key_123"); err != nil {
		t.Errorf("well-formed key rejected: %v", err)
	}
}
