package txbound

import (
	"context"
	"time"
)

// MetricsRecorder receives connection and transaction lifecycle events.
type MetricsRecorder interface {
	ConnectionAcquired()
	ConnectionAcquireFailed()
	ConnectionReleased()
	TransactionJoined()
	TransactionFinished(outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionAcquired()                        {}
func (nopRecorder) ConnectionAcquireFailed()                   {}
func (nopRecorder) ConnectionReleased()                        {}
func (nopRecorder) TransactionJoined()                         {}
func (nopRecorder) TransactionFinished(string, time.Duration) {}

type instrumentedSource struct {
	Source
	rec MetricsRecorder
}

// Instrument reports every acquire and release of src to rec.
func Instrument(src Source, rec MetricsRecorder) Source {
	if rec == nil {
		return src
	}
	return &instrumentedSource{Source: src, rec: rec}
}

func (s *instrumentedSource) Acquire(ctx context.Context) (Conn, error) {
	conn, err := s.Source.Acquire(ctx)
	if err != nil {
		s.rec.ConnectionAcquireFailed()
		return nil, err
	}
	s.rec.ConnectionAcquired()
	return conn, nil
}

func (s *instrumentedSource) Release(conn Conn) {
	s.Source.Release(conn)
	if conn != nil {
		s.rec.ConnectionReleased()
	}
}
