package testutil

import (
	"context"
	"sync"

	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/imagestore/memory"
)

// GatewayCall records one gateway operation.
type GatewayCall struct {
	Op     string // get, put or delete
	Bucket string
	Key    string
	Err    error
}

// RecordingGateway wraps an in-memory store, records every call and can be
// told to fail specific operations.
type RecordingGateway struct {
	Inner *memory.Store
	// AfterCall, when set, runs after every operation.
	AfterCall func(GatewayCall)

	mu       sync.Mutex
	calls    []GatewayCall
	failures map[string][]error
}

// NewRecordingGateway returns a gateway backed by a fresh memory store.
func NewRecordingGateway() *RecordingGateway {
	return &RecordingGateway{Inner: memory.NewStore(), failures: make(map[string][]error)}
}

// FailNext queues errs to be returned, in order, by the next calls of op on bucket.
func (g *RecordingGateway) FailNext(op, bucket string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op+":"+bucket] = append(g.failures[op+":"+bucket], errs...)
}

// Calls returns a copy of the recorded calls.
func (g *RecordingGateway) Calls() []GatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GatewayCall(nil), g.calls...)
}

// CallCount is len(Calls()).
func (g *RecordingGateway) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Reset forgets recorded calls and queued failures but keeps stored objects.
func (g *RecordingGateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
	g.failures = make(map[string][]error)
}

func (g *RecordingGateway) injected(op, bucket string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.failures[op+":"+bucket]
	if len(q) == 0 {
		return nil
	}
	g.failures[op+":"+bucket] = q[1:]
	return q[0]
}

func (g *RecordingGateway) record(c GatewayCall) {
	g.mu.Lock()
	g.calls = append(g.calls, c)
	hook := g.AfterCall
	g.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

func (g *RecordingGateway) Get(ctx context.Context, bucket, key string) (imagestore.Payload, error) {
	var p imagestore.Payload
	err := g.injected("get", bucket)
	if err == nil {
		p, err = g.Inner.Get(ctx, bucket, key)
	}
	g.record(GatewayCall{Op: "get", Bucket: bucket, Key: key, Err: err})
	return p, err
}

func (g *RecordingGateway) Put(ctx context.Context, bucket, key string, p imagestore.Payload) error {
	err := g.injected("put", bucket)
	if err == nil {
		err = g.Inner.Put(ctx, bucket, key, p)
	}
	g.record(GatewayCall{Op: "put", Bucket: bucket, Key: key, Err: err})
	return err
}

func (g *RecordingGateway) Delete(ctx context.Context, bucket, key string) error {
	err := g.injected("delete", bucket)
	if err == nil {
		err = g.Inner.Delete(ctx, bucket, key)
	}
	g.record(GatewayCall{Op: "delete", Bucket: bucket, Key: key, Err: err})
	return err
}

// PublishCall records one Publish.
type PublishCall struct {
	UserID string
	Image  imagestore.Payload
}

// FakePublisher records Publish calls and can be told to fail.
type FakePublisher struct {
	mu    sync.Mutex
	calls []PublishCall
	errs  []error
}

// FailNext queues errors returned by the next Publish calls.
func (p *FakePublisher) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, errs...)
}

func (p *FakePublisher) Publish(ctx context.Context, userID string, image imagestore.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, PublishCall{UserID: userID, Image: image})
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return err
	}
	return nil
}

// Calls returns a copy of the recorded calls.
func (p *FakePublisher) Calls() []PublishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishCall(nil), p.calls...)
}

// Last returns the most recent call.
func (p *FakePublisher) Last() (PublishCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return PublishCall{}, false
	}
	return p.calls[len(p.calls)-1], true
}
