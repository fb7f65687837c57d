package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport runs the peer protocol over a websocket connection: text
// frames carry envelopes, binary frames carry resource chunks. A single
// read pump demultiplexes the two streams.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	envelopes chan Envelope
	resources chan resourceChunk
	readErr   chan error

	closeOnce sync.Once
	done      chan struct{}
}

// wsResourceFrame is one binary frame of a resource transfer.
type wsResourceFrame struct {
	Name  string `json:"name"`
	Data  []byte `json:"data,omitempty"`
	Last  bool   `json:"last,omitempty"`
	Abort bool   `json:"abort,omitempty"`
}

// Dial connects to a peer's transfer endpoint.
func Dial(ctx context.Context, url string) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", url, err)
	}
	return WrapConn(conn), nil
}

// WrapConn adapts an accepted websocket connection into a Transport.
func WrapConn(conn *websocket.Conn) Transport {
	t := &wsTransport{
		conn:      conn,
		envelopes: make(chan Envelope, 16),
		resources: make(chan resourceChunk, 16),
		readErr:   make(chan error, 1),
		done:      make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *wsTransport) readPump() {
	defer close(t.envelopes)
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case t.readErr <- err:
			default:
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			env, err := DecodeEnvelope(data)
			if err != nil {
				select {
				case t.readErr <- err:
				default:
				}
				return
			}
			select {
			case t.envelopes <- env:
			case <-t.done:
				return
			}

		case websocket.BinaryMessage:
			var frame wsResourceFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			select {
			case t.resources <- resourceChunk{
				name:  frame.Name,
				data:  frame.Data,
				last:  frame.Last,
				abort: frame.Abort,
			}:
			case <-t.done:
				return
			}
		}
	}
}

func (t *wsTransport) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-t.envelopes:
		if !ok {
			select {
			case err := <-t.readErr:
				return Envelope{}, err
			default:
				return Envelope{}, errTransportClosed
			}
		}
		return env, nil
	case <-t.done:
		return Envelope{}, errTransportClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *wsTransport) SendResource(ctx context.Context, name string, r io.Reader, size int64) error {
	buf := make([]byte, pipeChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			t.writeFrame(wsResourceFrame{Name: name, Abort: true})
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			frame := wsResourceFrame{Name: name, Data: append([]byte(nil), buf[:n]...)}
			if err := t.writeFrame(frame); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			t.writeFrame(wsResourceFrame{Name: name, Abort: true})
			return readErr
		}
	}
	return t.writeFrame(wsResourceFrame{Name: name, Last: true})
}

func (t *wsTransport) writeFrame(frame wsResourceFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) ReceiveResource(ctx context.Context) (Resource, error) {
	var buf []byte
	name := ""
	for {
		select {
		case chunk := <-t.resources:
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
		case <-t.done:
			return Resource{}, errTransportClosed
		case <-ctx.Done():
			return Resource{}, ctx.Err()
		}
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return t.conn.Close()
}
