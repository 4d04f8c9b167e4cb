/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bufpool recycles pinned staging buffers by size class so
// steady-state transfer traffic does not hit the platform allocator on every
// request.
package bufpool

import (
	"context"
	"fmt"
	"math/bits"
	"sync"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-hostmem-manager/pkg/hostmem/pinned"
	"github.com/llm-d/llm-d-hostmem-manager/pkg/utils/logging"
)

const (
	// defaultMinClassBytes matches the host page size.
	defaultMinClassBytes = 4096
	defaultIdlePerClass  = 64
	// maxClassBytes is the largest representable size class. Rounding a
	// larger request up would overflow uint64.
	maxClassBytes = uint64(1) << 63
)

// Config holds the configuration for the buffer pool.
type Config struct {
	// MaxIdleBytes bounds the pinned memory held in idle buffers.
	// Supports human-readable formats like "256MiB", "1GiB", etc.
	MaxIdleBytes string `json:"maxIdleBytes,omitempty"`
	// MinClassBytes is the smallest size class. Requests are rounded up to
	// the next power of two, no smaller than this floor.
	MinClassBytes uint64 `json:"minClassBytes"`
	// IdlePerClass is the maximum number of idle buffers kept per size
	// class.
	IdlePerClass int `json:"idlePerClass"`
}

// DefaultConfig returns a default configuration for the buffer pool.
func DefaultConfig() *Config {
	return &Config{
		MaxIdleBytes:  "256MiB",
		MinClassBytes: defaultMinClassBytes,
		IdlePerClass:  defaultIdlePerClass,
	}
}

// Buffer is a leased pinned staging buffer. The handle is a capability
// token for transfer operations; Size is the size-class byte length, which
// may exceed the requested size.
type Buffer struct {
	Handle pinned.Handle
	Size   uint64
	Flags  pinned.Flags
}

// String returns a string representation of the Buffer.
func (b *Buffer) String() string {
	return fmt.Sprintf("%s/%dB/flags=0x%x", b.Handle, b.Size, uint32(b.Flags))
}

// class identifies an idle freelist. Buffers with different flags are never
// interchangeable, since the bits change how the platform maps the region.
type class struct {
	size  uint64
	flags pinned.Flags
}

// Pool is a size-class recycling pool over a pinned.Allocator.
//
// Pool operations are thread-safe and can be performed concurrently.
type Pool struct {
	allocator     pinned.Allocator
	minClassBytes uint64
	idlePerClass  int
	maxIdleBytes  uint64

	// mu guards idle, idleBytes, and outstanding.
	mu        sync.Mutex
	idle      map[class]*lru.Cache[pinned.Handle, *Buffer]
	idleBytes uint64
	// outstanding tracks buffers lent to callers so a Put of a buffer the
	// pool never issued is surfaced as a caller bug.
	outstanding map[pinned.Handle]*Buffer
}

// NewPool creates a new Pool instance over the given allocator.
func NewPool(cfg *Config, allocator pinned.Allocator) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	maxIdleBytes, err := humanize.ParseBytes(cfg.MaxIdleBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse max idle bytes: %w", err)
	}

	minClassBytes := cfg.MinClassBytes
	if minClassBytes == 0 {
		minClassBytes = defaultMinClassBytes
	}
	idlePerClass := cfg.IdlePerClass
	if idlePerClass <= 0 {
		idlePerClass = defaultIdlePerClass
	}

	return &Pool{
		allocator:     allocator,
		minClassBytes: minClassBytes,
		idlePerClass:  idlePerClass,
		maxIdleBytes:  maxIdleBytes,
		idle:          make(map[class]*lru.Cache[pinned.Handle, *Buffer]),
		outstanding:   make(map[pinned.Handle]*Buffer),
	}, nil
}

// Get returns a pinned buffer of at least size bytes with the given flags,
// reusing an idle buffer of the matching class when one is available.
func (p *Pool) Get(ctx context.Context, size uint64, flags pinned.Flags) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: got %d", pinned.ErrInvalidSize, size)
	}
	if size > maxClassBytes {
		return nil, fmt.Errorf("%w: %d exceeds the largest size class %d", pinned.ErrInvalidSize, size, maxClassBytes)
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("bufpool.Get")
	cls := class{size: p.roundUp(size), flags: flags}

	p.mu.Lock()
	if cache, found := p.idle[cls]; found {
		if handle, buffer, ok := cache.RemoveOldest(); ok {
			p.idleBytes -= buffer.Size
			p.outstanding[handle] = buffer
			p.mu.Unlock()

			traceLogger.Info("reused idle buffer", "buffer", buffer.String())
			return buffer, nil
		}
	}
	p.mu.Unlock()

	handle, err := p.allocator.Allocate(ctx, cls.size, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate staging buffer: %w", err)
	}

	buffer := &Buffer{Handle: handle, Size: cls.size, Flags: flags}

	p.mu.Lock()
	p.outstanding[handle] = buffer
	p.mu.Unlock()

	traceLogger.Info("allocated new buffer", "buffer", buffer.String())
	return buffer, nil
}

// Put returns a buffer to the pool. The buffer is kept idle for reuse when
// the class freelist and the idle byte budget allow it, and freed otherwise.
func (p *Pool) Put(ctx context.Context, buffer *Buffer) error {
	if buffer == nil {
		return fmt.Errorf("nil buffer returned to pool")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("bufpool.Put")

	p.mu.Lock()
	if _, found := p.outstanding[buffer.Handle]; !found {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s was not issued by this pool", pinned.ErrInvalidHandle, buffer.Handle)
	}
	delete(p.outstanding, buffer.Handle)

	cls := class{size: buffer.Size, flags: buffer.Flags}
	cache, err := p.classCache(cls)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	if p.idleBytes+buffer.Size <= p.maxIdleBytes && cache.Len() < p.idlePerClass {
		cache.Add(buffer.Handle, buffer)
		p.idleBytes += buffer.Size
		p.mu.Unlock()

		traceLogger.Info("buffer kept idle", "buffer", buffer.String())
		return nil
	}
	p.mu.Unlock()

	traceLogger.Info("idle budget exhausted, freeing buffer", "buffer", buffer.String())
	if err := p.allocator.Free(ctx, buffer.Handle); err != nil {
		// Keep the buffer on the outstanding ledger so a retried Put is not
		// rejected as a double return.
		p.mu.Lock()
		p.outstanding[buffer.Handle] = buffer
		p.mu.Unlock()
		return fmt.Errorf("failed to free returned buffer %s: %w", buffer.String(), err)
	}
	return nil
}

// IdleBytes returns the pinned bytes currently held in idle buffers.
func (p *Pool) IdleBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.idleBytes
}

// Close drains all idle buffers. Buffers still lent out are reported and
// left to their holders.
func (p *Pool) Close(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("bufpool.Close")

	p.mu.Lock()
	var drained []*Buffer
	for _, cache := range p.idle {
		for _, buffer := range cache.Values() {
			drained = append(drained, buffer)
		}
		cache.Purge()
	}
	p.idle = make(map[class]*lru.Cache[pinned.Handle, *Buffer])
	p.idleBytes = 0
	lentOut := len(p.outstanding)
	p.mu.Unlock()

	var firstErr error
	for _, buffer := range drained {
		if err := p.allocator.Free(ctx, buffer.Handle); err != nil {
			logger.Error(err, "failed to free idle buffer", "buffer", buffer.String())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if lentOut > 0 {
		logger.Info("buffers still lent out at close", "count", lentOut)
	}

	return firstErr
}

// classCache returns the idle freelist for cls, creating it on first use.
// Called with p.mu held.
func (p *Pool) classCache(cls class) (*lru.Cache[pinned.Handle, *Buffer], error) {
	if cache, found := p.idle[cls]; found {
		return cache, nil
	}

	cache, err := lru.New[pinned.Handle, *Buffer](p.idlePerClass)
	if err != nil {
		return nil, fmt.Errorf("failed to create idle freelist: %w", err)
	}
	p.idle[cls] = cache

	return cache, nil
}

// roundUp rounds size up to the next power of two, with the minimum class
// size as a floor. Callers have already rejected sizes above maxClassBytes.
func (p *Pool) roundUp(size uint64) uint64 {
	if size <= p.minClassBytes {
		return p.minClassBytes
	}

	return 1 << bits.Len64(size-1)
}
