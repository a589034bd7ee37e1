package frame

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLatestBeforePublish(t *testing.T) {
	c := NewCache(10*time.Millisecond, nil)
	f, ok := c.Latest()
	assert.False(t, ok)
	assert.Nil(t, f)
}

func TestPublishReplaces(t *testing.T) {
	c := NewCache(10*time.Millisecond, zaptest.NewLogger(t))
	b1 := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	b2 := []byte{0xFF, 0xD8, 0x02, 0x02, 0xFF, 0xD9}

	f1 := c.Publish(b1)
	f2 := c.Publish(b2)

	got, ok := c.Latest()
	require.True(t, ok)
	assert.Same(t, f2, got)
	assert.Equal(t, b2, got.Data)
	assert.Equal(t, len(b2), got.Size)
	assert.Greater(t, f2.Seq, f1.Seq)
}

func TestPublishCopiesInput(t *testing.T) {
	c := NewCache(10*time.Millisecond, nil)
	data := []byte("jpeg-bytes")
	c.Publish(data)
	data[0] = 'X'

	got, _ := c.Latest()
	assert.Equal(t, []byte("jpeg-bytes"), got.Data)
}

func TestConcurrentPublishRead(t *testing.T) {
	c := NewCache(10*time.Millisecond, nil)
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				// Every payload is a run of a single byte value, so a torn
				// read would show mixed values.
				c.Publish(bytes.Repeat([]byte{byte(w*50 + i%50)}, 64+i))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				f, ok := c.Latest()
				if !ok {
					continue
				}
				if len(f.Data) != f.Size {
					t.Errorf("size mismatch: len=%d size=%d", len(f.Data), f.Size)
					return
				}
				for _, b := range f.Data {
					if b != f.Data[0] {
						t.Errorf("torn frame observed")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestStreamToWritesMultipartParts(t *testing.T) {
	c := NewCache(10*time.Millisecond, zaptest.NewLogger(t))
	jpeg := []byte{0xFF, 0xD8, 0xAA, 0xBB, 0xFF, 0xD9}
	c.Publish(jpeg)

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, c.StreamTo(ctx, &buf))
	assert.Equal(t, 0, c.Streamers())

	mr := multipart.NewReader(&buf, Boundary)
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		assert.Equal(t, "6", part.Header.Get("Content-Length"))
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, jpeg, body)
	}
}

func TestStreamToSkipsTicksWithoutFrame(t *testing.T) {
	c := NewCache(5*time.Millisecond, nil)
	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, c.StreamTo(ctx, &buf))
	assert.Zero(t, buf.Len())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStreamToStopsOnWriteError(t *testing.T) {
	c := NewCache(5*time.Millisecond, zaptest.NewLogger(t))
	c.Publish([]byte("frame"))

	done := make(chan error, 1)
	go func() { done <- c.StreamTo(context.Background(), failingWriter{}) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StreamTo did not return after write error")
	}
	assert.Equal(t, 0, c.Streamers())
}

func TestStreamersIndependent(t *testing.T) {
	c := NewCache(5*time.Millisecond, nil)
	c.Publish([]byte("shared"))

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	var b1, b2 bytes.Buffer
	done1 := make(chan struct{})
	done2 := make(chan struct{})
	go func() { _ = c.StreamTo(ctx1, &b1); close(done1) }()
	go func() { _ = c.StreamTo(ctx2, &b2); close(done2) }()

	require.Eventually(t, func() bool { return c.Streamers() == 2 }, time.Second, time.Millisecond)
	cancel1()
	<-done1
	assert.Equal(t, 1, c.Streamers())

	cancel2()
	<-done2
	assert.Equal(t, 0, c.Streamers())
	f, _ := c.Latest()
	assert.Equal(t, []byte("shared"), f.Data, "streamers must not mutate the cache")
}
