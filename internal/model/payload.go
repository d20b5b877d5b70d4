package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
)

// Payload holds a request body read exactly once from the inbound stream.
// Small bodies stay in memory; bodies larger than the memory limit spill to
// a temporary file. Every NewReader call yields the same bytes, so the body
// can be resent on each retry.
type Payload struct {
	mem  []byte
	file *os.File
	size int64
}

// BufferPayload drains r into a Payload. Up to memLimit bytes are kept in
// memory; anything larger is written to a temp file created in dir (the OS
// default when dir is empty). The caller must Close the Payload.
func BufferPayload(r io.Reader, memLimit int64, dir string) (*Payload, error) {
	if r == nil || r == http.NoBody {
		return &Payload{}, nil
	}

	if memLimit > math.MaxInt64-1 {
		memLimit = math.MaxInt64 - 1
	}

	head, err := io.ReadAll(io.LimitReader(r, memLimit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(head)) <= memLimit {
		return &Payload{mem: head, size: int64(len(head))}, nil
	}

	f, err := os.CreateTemp(dir, "retry-proxy-body-*")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	p := &Payload{file: f}

	n, err := io.Copy(f, io.MultiReader(bytes.NewReader(head), r))
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("spill body: %w", err)
	}
	p.size = n
	return p, nil
}

// Len returns the body size in bytes.
func (p *Payload) Len() int64 {
	if p == nil {
		return 0
	}
	return p.size
}

// Spilled reports whether the body is backed by a temp file.
func (p *Payload) Spilled() bool {
	return p != nil && p.file != nil
}

// NewReader returns an independent reader positioned at the start of the body.
// Readers returned by separate calls may be used concurrently.
func (p *Payload) NewReader() io.Reader {
	switch {
	case p.Len() == 0:
		return http.NoBody
	case p.file != nil:
		return io.NewSectionReader(p.file, 0, p.size)
	default:
		return bytes.NewReader(p.mem)
	}
}

// Bytes returns the whole body. For spilled payloads this reads the file.
func (p *Payload) Bytes() ([]byte, error) {
	if p.Len() == 0 {
		return nil, nil
	}
	if p.file == nil {
		return p.mem, nil
	}
	return io.ReadAll(p.NewReader())
}

// Close removes the spill file, if any. It is safe to call more than once.
func (p *Payload) Close() error {
	if p == nil || p.file == nil {
		return nil
	}
	name := p.file.Name()
	err := p.file.Close()
	p.file = nil
	p.mem = nil
	p.size = 0
	if rmErr := os.Remove(name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}
