package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closes int
	err    error
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func TestSessionLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	s := New(RoleDevice, "front-door", tr)

	require.NotEmpty(t, s.ID)
	assert.Equal(t, Connecting, s.State())
	assert.False(t, s.Healthy())

	require.True(t, s.MarkConnected())
	assert.False(t, s.MarkConnected(), "second MarkConnected must fail")
	assert.True(t, s.Healthy())

	require.NoError(t, s.Send([]byte("hi")))
	assert.Len(t, tr.sent, 1)

	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.Healthy())
	assert.ErrorIs(t, s.Send([]byte("late")), ErrClosed)
	assert.Len(t, tr.sent, 1)
}

func TestSessionCloseIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	s := New(RoleApp, "user1", tr)
	s.MarkConnected()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, tr.closes)
	assert.False(t, s.MarkConnected(), "closed session cannot reconnect")
}

func TestSessionCloseBeforeHandshake(t *testing.T) {
	s := New(RoleDevice, "garage", &fakeTransport{})

	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.MarkConnected(), "Disconnected is terminal")
	assert.Equal(t, Disconnected, s.State())
}

type batchTransport struct {
	fakeTransport
	batches [][][]byte
	err     error
}

func (b *batchTransport) SendBatch(batch [][]byte) error {
	if b.err != nil {
		return b.err
	}
	b.batches = append(b.batches, batch)
	return nil
}

func TestSessionSendBatch(t *testing.T) {
	batch := [][]byte{[]byte("a"), []byte("b"), []byte("c")}

	t.Run("batch transport takes one unit", func(t *testing.T) {
		tr := &batchTransport{}
		s := New(RoleDevice, "d", tr)
		s.MarkConnected()

		n, err := s.SendBatch(batch)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		require.Len(t, tr.batches, 1)
		assert.Equal(t, batch, tr.batches[0])
		assert.Empty(t, tr.sent, "per-message path must not be used")
	})

	t.Run("batch transport rejects all", func(t *testing.T) {
		tr := &batchTransport{err: errors.New("full")}
		s := New(RoleDevice, "d", tr)
		s.MarkConnected()

		n, err := s.SendBatch(batch)
		assert.Error(t, err)
		assert.Zero(t, n)
	})

	t.Run("plain transport stops at first failure", func(t *testing.T) {
		tr := &failingAfter{limit: 2}
		s := New(RoleDevice, "d", tr)
		s.MarkConnected()

		n, err := s.SendBatch(batch)
		assert.Error(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("closed session", func(t *testing.T) {
		s := New(RoleDevice, "d", &batchTransport{})
		s.Close()

		n, err := s.SendBatch(batch)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Zero(t, n)
	})
}

type failingAfter struct {
	limit int
	sent  int
}

func (f *failingAfter) Send([]byte) error {
	if f.sent >= f.limit {
		return errors.New("broken pipe")
	}
	f.sent++
	return nil
}

func (f *failingAfter) Close() error { return nil }
