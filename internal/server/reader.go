package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-deframe/internal/deframe"
	"github.com/kstaniek/go-deframe/internal/hub"
	"github.com/kstaniek/go-deframe/internal/metrics"
	"github.com/kstaniek/go-deframe/internal/serial"
)

// startReader launches the goroutine reassembling client frames and forwarding
// them to the backend. The client is closed when it exits.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close(); cl.Close() }()
		df := deframe.New(s.clientFrameCap)
		var det deframe.Detector = s.delimiter
		// Reads no larger than the capacity never overflow on their own.
		buf := make([]byte, s.clientFrameCap)
		forward := func(fr []byte) { s.forward(fr, logger) }
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := conn.Read(buf)
			if n > 0 {
				run, derr := df.Deframe(buf[:n], det)
				if derr == nil {
					if tail := s.delimiter.EachFrame(run, forward); len(tail) > 0 {
						if run, derr = df.Rescan(tail, det); derr == nil {
							s.delimiter.EachFrame(run, forward)
						}
					}
				}
				if derr != nil {
					s.totalClientOverflow.Add(1)
					metrics.IncOverflow(metrics.StreamClient)
					wrap := fmt.Errorf("%w: %v", ErrClientOverflow, derr)
					s.setError(wrap)
					logger.Warn("client_overflow", "error", derr, "held", df.Len())
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// forward hands a copy of fr to the backend; fr aliases the reader's deframer.
func (s *Server) forward(fr []byte, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(fr) {
		return
	}
	metrics.IncTCPRx()
	if s.Send == nil {
		return
	}
	if err := s.Send(bytes.Clone(fr)); err != nil {
		if errors.Is(err, serial.ErrTxOverflow) {
			s.totalBackendOverflow.Add(1)
			logger.Debug("backend_overflow_drop", "len", len(fr))
			return
		}
		wrap := fmt.Errorf("%w: %v", ErrBackendTx, err)
		s.setError(wrap)
		s.totalBackendErrors.Add(1)
		logger.Error("backend_tx_error", "error", wrap, "len", len(fr))
	}
}
