package peer

import (
	"context"
	"io"
	"time"
)

// Resource is a completed large-payload transfer. Partial transfers are
// never surfaced: a cancelled or failed transfer is discarded by the
// receiving side.
type Resource struct {
	Name string
	Data []byte
}

// Progress describes a resource transfer in flight. Fraction is in [0,1];
// ETA is estimated from elapsed time and the observed rate and is zero
// until enough bytes have moved to estimate one.
type Progress struct {
	Fraction float64
	Bytes    int64
	Total    int64
	ETA      time.Duration
}

// Transport moves envelopes and resources between two connected devices.
// Send and Receive preserve per-message ordering; SendResource streams a
// large payload out of band so envelopes are not blocked behind it.
// Implementations must make Close unblock any pending Receive.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)

	SendResource(ctx context.Context, name string, r io.Reader, size int64) error
	ReceiveResource(ctx context.Context) (Resource, error)

	Close() error
}

// progressReader wraps the payload reader of an outgoing resource and
// reports progress after every chunk.
type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	started time.Time
	report  func(Progress)
}

func newProgressReader(r io.Reader, total int64, report func(Progress)) *progressReader {
	return &progressReader{r: r, total: total, started: time.Now(), report: report}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.emit()
	}
	return n, err
}

func (p *progressReader) emit() {
	if p.report == nil {
		return
	}
	pr := Progress{Bytes: p.read, Total: p.total}
	if p.total > 0 {
		pr.Fraction = float64(p.read) / float64(p.total)
	}
	if elapsed := time.Since(p.started); elapsed > 0 && p.read > 0 && p.total > p.read {
		rate := float64(p.read) / elapsed.Seconds()
		pr.ETA = time.Duration(float64(p.total-p.read)/rate) * time.Second
	}
	p.report(pr)
}
