/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfixfwd

import (
	"context"
	"errors"
	"net"
	"time"
)

// SendMode selects whether Sender.Send/SendParts may block the caller
// waiting for socket write capacity.
type SendMode int

const (
	Blocking SendMode = iota
	NonBlocking
)

// SendStatus is the outcome of a Sender.Send/SendParts call.
type SendStatus int

const (
	StatusOK SendStatus = iota
	// StatusBusy means nothing was written because the operation would have
	// blocked; never returned when required is true.
	StatusBusy
	// StatusClosed means the socket is closed or broken; the caller must
	// call Connect again.
	StatusClosed
)

func (s SendStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBusy:
		return "busy"
	case StatusClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// residualBufferFloor is the minimum capacity reserved for a Sender's
// residual buffer: at least twice the largest packet the builder may
// produce, so one required-delivery packet can always be queued in full
// even while another is still draining.
const residualBufferFloor = 512 * 1024

// nonBlockingWriteWindow is the write deadline a NonBlocking send sets. A
// deadline already in the past makes every write fail before any byte is
// attempted, so a short window lets a writable socket accept data while an
// unwritable one still times out promptly.
const nonBlockingWriteWindow = time.Millisecond

// Sender owns one TCP connection to one forwarding peer. It is not safe
// for concurrent use: the destination manager sends to connected
// destinations under its single group mutex, and connects or replays
// templates only to destinations it has taken out of the connected group.
type Sender struct {
	addr string
	port string

	dialer net.Dialer
	conn   net.Conn

	// residual holds bytes that a required, non-blocking Send could not
	// write immediately. It is always flushed before new data is written.
	residual []byte
}

// NewSender creates a Sender bound to addr:port. No connection is attempted
// until Connect is called.
func NewSender(addr, port string) *Sender {
	return &Sender{addr: addr, port: port}
}

// Address returns the destination host.
func (s *Sender) Address() string { return s.addr }

// Port returns the destination port.
func (s *Sender) Port() string { return s.port }

func (s *Sender) label() string {
	return net.JoinHostPort(s.addr, s.port)
}

// Connect (re)establishes the TCP connection. Any previous connection is
// closed first. The residual buffer survives a reconnect: bytes queued
// before a disconnect are retried once the new connection is up.
func (s *Sender) Connect(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.label())
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Connected reports whether Connect has succeeded and Close hasn't been
// called since.
func (s *Sender) Connected() bool {
	return s.conn != nil
}

// Close tears down the connection. The residual buffer is retained.
func (s *Sender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Send implements §4.1: write buf to the connection. When required is
// true and the write would block, buf is appended to the residual buffer
// instead and StatusOK is returned (StatusBusy is never returned when
// required is true). When required is false and the connection is busy,
// StatusBusy is returned and buf is dropped.
func (s *Sender) Send(buf []byte, mode SendMode, required bool) (SendStatus, error) {
	return s.SendParts([][]byte{buf}, mode, required)
}

// SendParts is the scatter/gather form of Send, mirroring sender_send_parts:
// every slice in parts is written as one logical payload.
func (s *Sender) SendParts(parts [][]byte, mode SendMode, required bool) (SendStatus, error) {
	if s.conn == nil {
		return StatusClosed, ErrSenderNotConnected
	}

	total := 0
	for _, p := range parts {
		total += len(p)
	}

	if len(s.residual) > 0 {
		if status, err := s.flushResidual(mode); status != StatusOK {
			if status == StatusBusy && required {
				return s.queueResidual(parts, total)
			}
			return status, err
		}
	}

	if mode == NonBlocking {
		if err := s.conn.SetWriteDeadline(time.Now().Add(nonBlockingWriteWindow)); err != nil {
			return StatusClosed, err
		}
	} else {
		if err := s.conn.SetWriteDeadline(time.Time{}); err != nil {
			return StatusClosed, err
		}
	}

	for i, p := range parts {
		if len(p) == 0 {
			continue
		}
		n, err := s.conn.Write(p)
		if err != nil {
			var unsent [][]byte
			if n < len(p) {
				unsent = append(unsent, p[n:])
			}
			unsent = append(unsent, parts[i+1:]...)
			unsentTotal := 0
			for _, u := range unsent {
				unsentTotal += len(u)
			}

			if isTimeout(err) {
				if unsentTotal < total {
					// A prefix already reached the peer: the remainder must
					// still go out eventually or the peer's framing is
					// corrupted, so it is buffered regardless of required.
					if _, qerr := s.queueResidual(unsent, unsentTotal); qerr != nil {
						return StatusClosed, qerr
					}
					SentBytesTotal.WithLabelValues(s.label()).Add(float64(total - unsentTotal))
					return StatusOK, nil
				}
				if required {
					return s.queueResidual(unsent, unsentTotal)
				}
				return StatusBusy, nil
			}
			s.Close()
			return StatusClosed, err
		}
	}

	SentBytesTotal.WithLabelValues(s.label()).Add(float64(total))
	return StatusOK, nil
}

func (s *Sender) queueResidual(parts [][]byte, total int) (SendStatus, error) {
	if len(s.residual)+total > residualBufferFloor {
		s.Close()
		return StatusClosed, ErrResidualBufferTooFull
	}
	for _, p := range parts {
		s.residual = append(s.residual, p...)
	}
	ResidualBufferBytes.WithLabelValues(s.label()).Set(float64(len(s.residual)))
	return StatusOK, nil
}

// flushResidual attempts to drain any queued residual bytes before a new
// write proceeds. Called at the top of every SendParts so residual data
// is always sent in order ahead of new data.
func (s *Sender) flushResidual(mode SendMode) (SendStatus, error) {
	if len(s.residual) == 0 {
		return StatusOK, nil
	}

	if mode == NonBlocking {
		if err := s.conn.SetWriteDeadline(time.Now().Add(nonBlockingWriteWindow)); err != nil {
			return StatusClosed, err
		}
	} else {
		if err := s.conn.SetWriteDeadline(time.Time{}); err != nil {
			return StatusClosed, err
		}
	}

	n, err := s.conn.Write(s.residual)
	if n > 0 {
		s.residual = s.residual[n:]
		ResidualBufferBytes.WithLabelValues(s.label()).Set(float64(len(s.residual)))
	}
	if err != nil {
		if isTimeout(err) {
			return StatusBusy, nil
		}
		s.Close()
		return StatusClosed, err
	}
	if len(s.residual) > 0 {
		return StatusBusy, nil
	}
	return StatusOK, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
