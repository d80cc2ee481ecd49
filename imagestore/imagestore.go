// Package imagestore is the gateway to the bucket/key object store that holds
// user banners. There is exactly one object per (bucket, key); key is the user
// id and writes overwrite unconditionally. The gateway never retries: callers
// own the retry policy and the backup/restore discipline.
package imagestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the object does not exist.
	ErrNotFound = errors.New("image not found")
	// ErrStoreUnavailable wraps network and backend failures. It is transient.
	ErrStoreUnavailable = errors.New("image store unavailable")
	// ErrInvalidImagePayload is returned when a payload is neither the empty
	// sentinel nor base64 of a supported raster format.
	ErrInvalidImagePayload = errors.New("invalid image payload")
)

// Gateway reads, writes and deletes raw image payloads.
type Gateway interface {
	Get(ctx context.Context, bucket, key string) (Payload, error)
	Put(ctx context.Context, bucket, key string, p Payload) error
	Delete(ctx context.Context, bucket, key string) error
}

// Payload is a base64 encoded image, or EmptyPayload.
type Payload string

// EmptyPayload stands for "the user has no image".
const EmptyPayload Payload = "empty"

// MaxPayloadBytes caps the encoded size of any stored payload.
const MaxPayloadBytes = 16 << 20

// Format is a supported raster encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

var magic = []struct {
	prefix []byte
	format Format
}{
	{[]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, FormatPNG},
	{[]byte{0xff, 0xd8, 0xff}, FormatJPEG},
}

// Encode wraps raw image bytes as a Payload.
func Encode(data []byte) Payload {
	return Payload(base64.StdEncoding.EncodeToString(data))
}

// IsEmpty reports whether p is the "no image" sentinel.
func (p Payload) IsEmpty() bool { return p == EmptyPayload }

// Decode returns the raw image bytes. The empty sentinel decodes to nil.
func (p Payload) Decode() ([]byte, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImagePayload, err)
	}
	return b, nil
}

// DetectFormat sniffs the magic prefix of raw image bytes.
func DetectFormat(data []byte) (Format, bool) {
	for _, m := range magic {
		if bytes.HasPrefix(data, m.prefix) {
			return m.format, true
		}
	}
	return "", false
}

// ValidatePayload accepts the empty sentinel or base64 of a PNG or JPEG image.
func ValidatePayload(p Payload) error {
	if p.IsEmpty() {
		return nil
	}
	if p == "" {
		return fmt.Errorf("%w: empty string", ErrInvalidImagePayload)
	}
	if len(p) > MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidImagePayload, len(p), MaxPayloadBytes)
	}
	data, err := p.Decode()
	if err != nil {
		return err
	}
	if _, ok := DetectFormat(data); !ok {
		return fmt.Errorf("%w: unrecognised image format", ErrInvalidImagePayload)
	}
	return nil
}
