package accountsync

import "testing"

func TestDetectValidationRequiredFromDetailsURL(t *testing.T) {
	body := []byte(`{"error":{"message":"forbidden","details":[{"validation_url":"https://example.com/verify"}]}}`)
	url, msg, ok := detectValidationRequired(body)
	if !ok {
		t.Fatal("expected detection to succeed")
	}
	if url != "https://example.com/verify" {
		t.Fatalf("url = %q, want the validation_url detail", url)
	}
	if msg != "forbidden" {
		t.Fatalf("message = %q, want the error message", msg)
	}
}

func TestDetectValidationRequiredFromMessagePhrase(t *testing.T) {
	body := []byte(`{"error":{"message":"Please verify your account before continuing"}}`)
	_, _, ok := detectValidationRequired(body)
	if !ok {
		t.Fatal("expected the 'verify your account' phrase alone to trigger detection")
	}
}

func TestDetectValidationRequiredIgnoresUnrelated403(t *testing.T) {
	body := []byte(`{"error":{"message":"PERMISSION_DENIED: missing scope"}}`)
	_, _, ok := detectValidationRequired(body)
	if ok {
		t.Fatal("expected an unrelated 403 body not to be classified as validation-required")
	}
}
