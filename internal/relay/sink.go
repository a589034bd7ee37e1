package relay

import (
	"encoding/json"
	"fmt"

	"github.com/Nayem2203/espcam-server/internal/session"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Result is the outcome of one Send. A failed send is reported, never raised.
type Result struct {
	OK  bool
	Err error
}

// BatchResult reports how many messages of a batch the session accepted.
type BatchResult struct {
	Delivered int
	Err       error
}

// Sink pushes messages to one session.
type Sink interface {
	Send(s *session.Session, msg any) Result
	SendBatch(s *session.Session, msgs []any) BatchResult
}

type transportSink struct {
	log *zap.Logger
}

// NewSink returns the default Sink: JSON over the session transport. Marshal
// errors, closed sessions, transport errors and transport panics all come
// back as a failed Result.
func NewSink(log *zap.Logger) Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &transportSink{log: log.With(zap.String("component", "sink"))}
}

func (k *transportSink) Send(s *session.Session, msg any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: errors.Newf("send panic: %v", r)}
			k.log.Error("send panicked", zap.String("session", s.ID), zap.String("panic", fmt.Sprint(r)))
		}
	}()

	data, err := json.Marshal(msg)
	if err != nil {
		k.log.Error("marshal failed", zap.Error(err))
		return Result{Err: errors.Wrap(err, "marshal")}
	}

	if err := s.Send(data); err != nil {
		k.log.Warn("send failed",
			zap.String("session", s.ID),
			zap.Stringer("role", s.Role),
			zap.String("identity", s.Identity),
			zap.Error(err))
		return Result{Err: err}
	}
	return Result{OK: true}
}

// SendBatch marshals msgs and hands them to the session as one ordered
// unit. Messages past Delivered were not accepted and may be retried.
func (k *transportSink) SendBatch(s *session.Session, msgs []any) (res BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			res = BatchResult{Err: errors.Newf("send panic: %v", r)}
			k.log.Error("batch send panicked", zap.String("session", s.ID), zap.String("panic", fmt.Sprint(r)))
		}
	}()

	batch := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			k.log.Error("marshal failed", zap.Error(err))
			return BatchResult{Err: errors.Wrap(err, "marshal")}
		}
		batch = append(batch, data)
	}

	n, err := s.SendBatch(batch)
	if err != nil {
		k.log.Warn("batch send failed",
			zap.String("session", s.ID),
			zap.String("identity", s.Identity),
			zap.Int("accepted", n),
			zap.Int("size", len(batch)),
			zap.Error(err))
	}
	return BatchResult{Delivered: n, Err: err}
}
