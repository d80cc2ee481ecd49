package s3store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/onnwee/live-banner/imagestore"
)

type fakeClient struct {
	objects map[string]string
	failAll error
	puts    int
}

func newFakeClient() *fakeClient { return &fakeClient{objects: map[string]string{}} }

func (f *fakeClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	v, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func (f *fakeClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts++
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(b)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

var png = imagestore.Encode([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 9})

func TestStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient()
	s := NewWithClient(fc)

	if _, err := s.Get(ctx, "banner-live", "123"); !errors.Is(err, imagestore.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, "banner-live", "123", png); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "banner-live", "123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != png {
		t.Errorf("Get = %q, want %q", got, png)
	}
	if err := s.Delete(ctx, "banner-live", "123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "banner-live", "123"); !errors.Is(err, imagestore.ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
}

func TestStoreRejectsInvalidPayloadWithoutCallingS3(t *testing.T) {
	fc := newFakeClient()
	s := NewWithClient(fc)
	err := s.Put(context.Background(), "b", "123", imagestore.Payload("bm90IGFuIGltYWdl"))
	if !errors.Is(err, imagestore.ErrInvalidImagePayload) {
		t.Fatalf("Put = %v, want ErrInvalidImagePayload", err)
	}
	if fc.puts != 0 {
		t.Errorf("PutObject called %d times, want 0", fc.puts)
	}
}

func TestStoreWrapsBackendFailures(t *testing.T) {
	fc := newFakeClient()
	fc.failAll = errors.New("dial tcp: connection refused")
	s := NewWithClient(fc)
	ctx := context.Background()

	if _, err := s.Get(ctx, "b", "123"); !errors.Is(err, imagestore.ErrStoreUnavailable) {
		t.Errorf("Get = %v, want ErrStoreUnavailable", err)
	}
	if err := s.Put(ctx, "b", "123", png); !errors.Is(err, imagestore.ErrStoreUnavailable) {
		t.Errorf("Put = %v, want ErrStoreUnavailable", err)
	}
	if err := s.Delete(ctx, "b", "123"); !errors.Is(err, imagestore.ErrStoreUnavailable) {
		t.Errorf("Delete = %v, want ErrStoreUnavailable", err)
	}
}

func TestStoreGetRejectsOversizedObject(t *testing.T) {
	fc := newFakeClient()
	fc.objects["banner-live/123"] = strings.Repeat("A", imagestore.MaxPayloadBytes+1)
	s := NewWithClient(fc)

	_, err := s.Get(context.Background(), "banner-live", "123")
	if !errors.Is(err, imagestore.ErrInvalidImagePayload) {
		t.Fatalf("Get = %v, want ErrInvalidImagePayload", err)
	}
	if imagestore.IsRetryable(err) {
		t.Error("oversized object must not be retried")
	}
}

func TestObjectKeyRejectsPaths(t *testing.T) {
	for _, k := range []string{"", ".", "..", "a/b", "../etc"} {
		if _, err := objectKey(k); err == nil {
			t.Errorf("objectKey(%q) should fail", k)
		}
	}
	if k, err := objectKey("12345"); err != nil || k != "12345" {
		t.Errorf("objectKey(12345) = %q, %v", k, err)
	}
}
