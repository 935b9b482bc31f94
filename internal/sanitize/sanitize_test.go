package sanitize

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSanitizeString_DiscordWebhook(t *testing.T) {
	in := "https://discord.com/api/webhooks/111/AAA"
	got := SanitizeString(in)
	want := "https://discord.com/api/webhooks/111/<REDACTED>"
	if got != want {
		t.Fatalf("SanitizeString(%q) = %q, want %q", in, got, want)
	}
	if strings.Contains(got, "AAA") {
		t.Fatalf("SanitizeString(%q) leaked secret: %q", in, got)
	}
}

func TestSanitizeString_TelegramBot(t *testing.T) {
	in := "https://api.telegram.org/bot12345:SECRETTOKEN/sendMessage"
	got := SanitizeString(in)
	if strings.Contains(got, "SECRETTOKEN") {
		t.Fatalf("telegram token leaked: %q", got)
	}
	if !strings.Contains(got, URLMarker) {
		t.Fatalf("expected redaction marker in %q", got)
	}
}

func TestSanitizeString_Idempotent(t *testing.T) {
	in := "https://discord.com/api/webhooks/111/AAA and ?api_key=zzz"
	once := SanitizeString(in)
	twice := SanitizeString(once)
	if once != twice {
		t.Fatalf("sanitize not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestSanitizeValue_SensitiveFieldRecursive(t *testing.T) {
	in := map[string]any{
		"password": "hunter2",
		"nested": map[string]any{
			"auth_token": "abc",
			"note":       "fine",
		},
		"list": []any{map[string]any{"secret": "shh"}},
	}
	out := SanitizeValue(in).(map[string]any)
	if out["password"] != ValueMarker {
		t.Fatalf("password not redacted: %v", out["password"])
	}
	nested := out["nested"].(map[string]any)
	if nested["auth_token"] != ValueMarker {
		t.Fatalf("nested auth_token not redacted: %v", nested["auth_token"])
	}
	if nested["note"] != "fine" {
		t.Fatalf("unrelated field mutated: %v", nested["note"])
	}
	list := out["list"].([]any)
	if list[0].(map[string]any)["secret"] != ValueMarker {
		t.Fatalf("list-nested secret not redacted")
	}
}

func TestSanitizeError_Format(t *testing.T) {
	err := errString("dial tcp ?api_key=zzz: refused")
	got := SanitizeError(err)
	if strings.Contains(got, "zzz") {
		t.Fatalf("error leaked secret: %q", got)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestSanitizeZapField_ErrorTypeRedacted(t *testing.T) {
	err := errString("post https://discord.com/api/webhooks/111/AAA: 401")
	f := sanitizeZapField(zap.Error(err))
	if f.Type != zapcore.StringType {
		t.Fatalf("error field not rewritten to string, type = %v", f.Type)
	}
	if strings.Contains(f.String, "AAA") {
		t.Fatalf("error field leaked secret: %q", f.String)
	}
	if !strings.Contains(f.String, URLMarker) {
		t.Fatalf("expected redaction marker in %q", f.String)
	}
}
