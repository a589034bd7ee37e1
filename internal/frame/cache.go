// Package frame holds the most recent camera frame and streams it to
// viewers as multipart/x-mixed-replace.
package frame

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Boundary separates parts of the live stream.
const Boundary = "frame"

// Frame is one complete uploaded image. Data must not be modified once the
// frame has been published; readers share it without copying.
type Frame struct {
	Data       []byte
	Size       int
	ReceivedAt time.Time
	Seq        uint64
}

// Cache is a single-slot holder for the latest frame. Publish swaps one
// pointer, so a reader sees either the previous frame or the new one in
// full.
type Cache struct {
	latest    atomic.Pointer[Frame]
	seq       atomic.Uint64
	streamers atomic.Int64
	interval  time.Duration
	log       *zap.Logger
}

func NewCache(interval time.Duration, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		interval: interval,
		log:      log.With(zap.String("component", "frame")),
	}
}

// Publish copies data into a new frame and makes it the latest.
func (c *Cache) Publish(data []byte) *Frame {
	buf := make([]byte, len(data))
	copy(buf, data)
	f := &Frame{
		Data:       buf,
		Size:       len(buf),
		ReceivedAt: time.Now(),
		Seq:        c.seq.Add(1),
	}
	c.latest.Store(f)
	return f
}

// Latest returns the current frame, or false if nothing was ever published.
func (c *Cache) Latest() (*Frame, bool) {
	f := c.latest.Load()
	return f, f != nil
}

// Streamers returns the number of StreamTo calls currently running.
func (c *Cache) Streamers() int {
	return int(c.streamers.Load())
}

// StreamTo writes the latest frame to w as a multipart part on every tick
// until ctx is done or a write fails. Ticks with no frame write nothing.
// When w is an http.Flusher each part is flushed immediately.
func (c *Cache) StreamTo(ctx context.Context, w io.Writer) error {
	c.streamers.Add(1)
	defer c.streamers.Add(-1)

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		return errors.Wrap(err, "set boundary")
	}
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f, ok := c.Latest()
			if !ok {
				continue
			}
			if err := writePart(mw, f); err != nil {
				c.log.Debug("stream write failed", zap.Error(err))
				return errors.Wrap(err, "write frame part")
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writePart(mw *multipart.Writer, f *Frame) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", fmt.Sprintf("%d", f.Size))

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(f.Data)
	return err
}
