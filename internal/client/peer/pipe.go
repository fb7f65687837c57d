package peer

import (
	"context"
	"errors"
	"io"
	"sync"
)

// pipeChunkSize keeps resource streaming incremental so cancellation takes
// effect mid-transfer instead of after the fact.
const pipeChunkSize = 32 * 1024

var errTransportClosed = errors.New("peer: transport closed")

type resourceChunk struct {
	name  string
	data  []byte
	last  bool
	abort bool
}

// Pipe returns two connected in-process transports. It backs the session
// tests and the on-device simulator; the production path wraps the same
// interface around a network connection.
func Pipe() (Transport, Transport) {
	ab := make(chan Envelope, 16)
	ba := make(chan Envelope, 16)
	abRes := make(chan resourceChunk, 16)
	baRes := make(chan resourceChunk, 16)
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	a := &pipeTransport{out: ab, in: ba, resOut: abRes, resIn: baRes, done: done, close: closeDone}
	b := &pipeTransport{out: ba, in: ab, resOut: baRes, resIn: abRes, done: done, close: closeDone}
	return a, b
}

type pipeTransport struct {
	out    chan Envelope
	in     chan Envelope
	resOut chan resourceChunk
	resIn  chan resourceChunk
	done   chan struct{}
	close  func()
}

func (t *pipeTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case t.out <- env:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pipeTransport) Receive(ctx context.Context) (Envelope, error) {
	// drain buffered messages before honoring close, so a reply sent just
	// before the connection dropped is still delivered
	select {
	case env := <-t.in:
		return env, nil
	default:
	}

	select {
	case env := <-t.in:
		return env, nil
	case <-t.done:
		return Envelope{}, errTransportClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// SendResource streams the payload in chunks. On cancellation an abort
// marker is sent so the receiver discards everything buffered so far.
func (t *pipeTransport) SendResource(ctx context.Context, name string, r io.Reader, size int64) error {
	buf := make([]byte, pipeChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			t.sendAbort(name)
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := resourceChunk{name: name, data: append([]byte(nil), buf[:n]...)}
			select {
			case t.resOut <- chunk:
			case <-t.done:
				return errTransportClosed
			case <-ctx.Done():
				t.sendAbort(name)
				return ctx.Err()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			t.sendAbort(name)
			return readErr
		}
	}

	select {
	case t.resOut <- resourceChunk{name: name, last: true}:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-ctx.Done():
		t.sendAbort(name)
		return ctx.Err()
	}
}

func (t *pipeTransport) sendAbort(name string) {
	select {
	case t.resOut <- resourceChunk{name: name, abort: true}:
	case <-t.done:
	default:
	}
}

// ReceiveResource assembles chunks until the final marker. An abort marker
// drops the partial buffer and keeps waiting for the next transfer, so a
// cancelled send never surfaces truncated data.
func (t *pipeTransport) ReceiveResource(ctx context.Context) (Resource, error) {
	var buf []byte
	name := ""
	for {
		var chunk resourceChunk
		select {
		case chunk = <-t.resIn:
		default:
			select {
			case chunk = <-t.resIn:
			case <-t.done:
				return Resource{}, errTransportClosed
			case <-ctx.Done():
				return Resource{}, ctx.Err()
			}
		}

		if chunk.abort {
			buf = nil
			name = ""
			continue
		}
		name = chunk.name
		if chunk.last {
			return Resource{Name: name, Data: buf}, nil
		}
		buf = append(buf, chunk.data...)
	}
}

func (t *pipeTransport) Close() error {
	t.close()
	return nil
}
