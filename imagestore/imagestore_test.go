package imagestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

var (
	pngBytes  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13}
	jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0, 16, 'J', 'F', 'I', 'F'}
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"empty sentinel", EmptyPayload, false},
		{"png", Encode(pngBytes), false},
		{"jpeg", Encode(jpegBytes), false},
		{"blank string", "", true},
		{"not base64", "%%%not-base64%%%", true},
		{"gif", Encode([]byte("GIF89a....")), true},
		{"text", Encode([]byte("hello world")), true},
		{"truncated png magic", Encode(pngBytes[:4]), true},
		{"oversized", Payload(strings.Repeat("A", MaxPayloadBytes+4)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.payload)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidImagePayload) {
					t.Fatalf("ValidatePayload() = %v, want ErrInvalidImagePayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidatePayload() unexpected error: %v", err)
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	if f, ok := DetectFormat(pngBytes); !ok || f != FormatPNG {
		t.Errorf("DetectFormat(png) = %q, %v", f, ok)
	}
	if f, ok := DetectFormat(jpegBytes); !ok || f != FormatJPEG {
		t.Errorf("DetectFormat(jpeg) = %q, %v", f, ok)
	}
	if _, ok := DetectFormat(nil); ok {
		t.Error("DetectFormat(nil) should not match")
	}
}

func TestPayloadDecode(t *testing.T) {
	b, err := Encode(pngBytes).Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(b) != string(pngBytes) {
		t.Errorf("Decode mismatch")
	}
	b, err = EmptyPayload.Decode()
	if err != nil || b != nil {
		t.Errorf("EmptyPayload.Decode() = %v, %v; want nil, nil", b, err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"unavailable", fmt.Errorf("%w: connection reset", ErrStoreUnavailable), ErrorClassRetryable},
		{"not found", fmt.Errorf("%w: live/u1", ErrNotFound), ErrorClassFatal},
		{"invalid payload", ErrInvalidImagePayload, ErrorClassFatal},
		{"canceled", context.Canceled, ErrorClassFatal},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrorClassFatal},
		{"other", errors.New("boom"), ErrorClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if !IsRetryable(ErrStoreUnavailable) {
		t.Error("ErrStoreUnavailable should be retryable")
	}
	if IsRetryable(ErrNotFound) {
		t.Error("ErrNotFound should not be retryable")
	}
}

func TestErrorClassString(t *testing.T) {
	for class, want := range map[ErrorClass]string{
		ErrorClassRetryable: "retryable",
		ErrorClassFatal:     "fatal",
		ErrorClassUnknown:   "unknown",
		ErrorClass(42):      "unknown",
	} {
		if got := class.String(); got != want {
			t.Errorf("ErrorClass(%d).String() = %q, want %q", class, got, want)
		}
	}
}
