// Package throttle provides bandwidth limiting for network transfers
package throttle

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Common rate constants
const (
	KB = 1024
	MB = 1024 * KB

	Limit1MB  = 1 * MB
	Limit5MB  = 5 * MB
	Limit10MB = 10 * MB
	Unlimited = 0

	// minBurst keeps a full local chunk frame within one token grab
	minBurst = 64 * KB
)

// Limiter is a byte-rate token bucket. A rate of 0 means unlimited.
type Limiter struct {
	mu             sync.RWMutex
	bytesPerSecond int64
	lim            *rate.Limiter
}

// NewLimiter creates a limiter allowing bytesPerSecond
func NewLimiter(bytesPerSecond int64) *Limiter {
	l := &Limiter{lim: rate.NewLimiter(rate.Inf, minBurst)}
	l.SetRate(bytesPerSecond)
	return l
}

// SetRate updates the rate limit; burst follows the rate
func (l *Limiter) SetRate(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	l.bytesPerSecond = bytesPerSecond
	if bytesPerSecond == 0 {
		l.lim.SetLimit(rate.Inf)
		return
	}
	burst := bytesPerSecond
	if burst < minBurst {
		burst = minBurst
	}
	l.lim.SetBurst(int(burst))
	l.lim.SetLimit(rate.Limit(bytesPerSecond))
}

// Rate returns the current limit in bytes per second
func (l *Limiter) Rate() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bytesPerSecond
}

// Wait blocks until n bytes can be consumed or ctx is done
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l.Rate() == 0 {
		return ctx.Err()
	}
	return l.waitSteps(ctx, n, l.lim.Burst)
}

// waitSteps takes n tokens in steps no larger than the burst. rate.Limiter
// rejects a step above its burst, and SetRate may lower the burst between
// reading it and waiting, so such a step is retried with the new burst.
func (l *Limiter) waitSteps(ctx context.Context, n int, burst func() int) error {
	for n > 0 {
		step := min(n, burst())
		if err := l.lim.WaitN(ctx, step); err != nil {
			if ctx.Err() == nil && step > l.lim.Burst() {
				continue
			}
			return err
		}
		n -= step
	}
	return nil
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
	counter *atomic.Int64
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.counter.Add(int64(n))
		if werr := t.limiter.Wait(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
	counter *atomic.Int64
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if err := t.limiter.Wait(t.ctx, len(p)); err != nil {
		return 0, err
	}
	n, err := t.w.Write(p)
	t.counter.Add(int64(n))
	return n, err
}

// Stats are cumulative byte counts through wrapped streams
type Stats struct {
	TotalUploaded   int64 `json:"total_uploaded"`
	TotalDownloaded int64 `json:"total_downloaded"`
	UploadLimit     int64 `json:"upload_limit"`
	DownloadLimit   int64 `json:"download_limit"`
}

// BandwidthManager holds node-wide upload and download limits. Upload covers
// bytes this node sends, download covers bytes it receives.
type BandwidthManager struct {
	upload     *Limiter
	download   *Limiter
	uploaded   atomic.Int64
	downloaded atomic.Int64
}

// NewBandwidthManager creates a manager; limits are bytes per second, 0 = unlimited
func NewBandwidthManager(uploadLimit, downloadLimit int64) *BandwidthManager {
	return &BandwidthManager{
		upload:   NewLimiter(uploadLimit),
		download: NewLimiter(downloadLimit),
	}
}

func (m *BandwidthManager) SetUploadLimit(bytesPerSecond int64) {
	m.upload.SetRate(bytesPerSecond)
}

func (m *BandwidthManager) SetDownloadLimit(bytesPerSecond int64) {
	m.download.SetRate(bytesPerSecond)
}

// Limits returns the current upload and download limits
func (m *BandwidthManager) Limits() (upload, download int64) {
	return m.upload.Rate(), m.download.Rate()
}

// WrapReader applies the download limit to r
func (m *BandwidthManager) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	return &throttledReader{ctx: ctx, r: r, limiter: m.download, counter: &m.downloaded}
}

// WrapWriter applies the upload limit to w
func (m *BandwidthManager) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	return &throttledWriter{ctx: ctx, w: w, limiter: m.upload, counter: &m.uploaded}
}

func (m *BandwidthManager) Stats() Stats {
	up, down := m.Limits()
	return Stats{
		TotalUploaded:   m.uploaded.Load(),
		TotalDownloaded: m.downloaded.Load(),
		UploadLimit:     up,
		DownloadLimit:   down,
	}
}
