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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ParseMessage splits a raw IPFIX datagram into its header and ordered
// Sets, verifying every Set header's declared length stays within the
// datagram. Data Set record counts are left at -1; ResolveRecordCounts
// fills them in once Template Sets earlier in the same message (or a
// prior message) have been processed by the template manager.
func ParseMessage(raw []byte) (MessageHeader, []Set, error) {
	var h MessageHeader
	n, err := h.Decode(bytes.NewReader(raw))
	if err != nil {
		return h, nil, err
	}

	var sets []Set
	offset := n
	for offset+SetHeaderLength <= len(raw) && offset < int(h.Length) {
		id := binary.BigEndian.Uint16(raw[offset : offset+2])
		length := binary.BigEndian.Uint16(raw[offset+2 : offset+4])
		if length < SetHeaderLength || offset+int(length) > len(raw) {
			return h, sets, ErrSetExceedsDatagram
		}
		sets = append(sets, Set{
			Header:      SetHeader{Id: id, Length: length},
			Body:        raw[offset+SetHeaderLength : offset+int(length)],
			Raw:         raw[offset : offset+int(length)],
			RecordCount: -1,
		})
		offset += int(length)
	}
	return h, sets, nil
}

// ResolveRecordCounts fills in RecordCount for every Data Set in sets,
// using the fixed-length template metadata recorded by tmplts for
// odid/source. A Data Set whose template has a variable-length field (no
// fixed record length) is counted as a single record, logged at V(1) for
// each such Set — an explicit simplification, since decoding individual
// Information Elements to count variable-length records is out of scope.
func ResolveRecordCounts(ctx context.Context, tmplts *Manager, odid uint32, source interface{}, sets []Set) {
	log := FromContext(ctx, "odid", odid)
	for i := range sets {
		if !IsDataSetID(sets[i].Header.Id) || sets[i].RecordCount >= 0 {
			continue
		}
		newID := tmplts.RemapDataSet(odid, source, sets[i].Header.Id)
		if newID == 0 {
			sets[i].RecordCount = 0
			continue
		}
		length, ok := tmplts.RecordLength(odid, newID)
		if !ok || length <= 0 {
			log.V(1).Info("template has variable-length fields, assuming one record", "set_id", sets[i].Header.Id)
			sets[i].RecordCount = 1
			continue
		}
		sets[i].RecordCount = len(sets[i].Body) / length
	}
}

const (
	tcpChannelBufferSize = 10
	udpChannelBufferSize = 50
	udpPacketBufferSize   = 1500
)

// inboundMessage couples one reassembled IPFIX datagram with the flow
// source it arrived from, so a listener's consumer can key template state
// and sequence replay per source.
type inboundMessage struct {
	source  interface{}
	payload []byte
}

// TCPListener accepts IPFIX-over-TCP sessions, one goroutine per
// connection, and reassembles the length-prefixed message stream into
// whole datagrams, adapted from the decoder-oriented sibling library's
// connection handling.
type TCPListener struct {
	bindAddr string
	messages chan inboundMessage

	listener *net.TCPListener

	onClose func(source interface{})
}

// NewTCPListener creates a TCP listener bound to bindAddr. onClose, if
// non-nil, is invoked with the connection's source key when a session
// ends, so callers can release template state held for it.
func NewTCPListener(bindAddr string, onClose func(source interface{})) *TCPListener {
	return &TCPListener{
		bindAddr: bindAddr,
		messages: make(chan inboundMessage, tcpChannelBufferSize),
		onClose:  onClose,
	}
}

func (l *TCPListener) Listen(ctx context.Context) error {
	log := FromContext(ctx, "component", "tcp_listener")

	addr, err := net.ResolveTCPAddr("tcp", l.bindAddr)
	if err != nil {
		return err
	}
	l.listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	defer l.listener.Close()

	go func() {
		for {
			conn, err := l.listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				TCPErrorsTotal.Inc()
				log.Error(err, "failed to accept connection")
				continue
			}
			TCPActiveConnections.Inc()
			go l.handleConn(ctx, conn)
		}
	}()

	log.Info("started TCP listener", "addr", l.bindAddr)
	<-ctx.Done()
	log.Info("shutting down TCP listener", "addr", l.bindAddr)
	return nil
}

func (l *TCPListener) handleConn(ctx context.Context, conn net.Conn) {
	log := FromContext(ctx, "remote_addr", conn.RemoteAddr().String())
	defer TCPActiveConnections.Dec()
	defer conn.Close()
	if l.onClose != nil {
		defer l.onClose(conn.RemoteAddr().String())
	}

	session := newTCPSession(conn)
	errCh := make(chan error, 1)
	go func() {
		for {
			if err := session.receive(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				log.V(1).Info("connection closed by remote")
			} else {
				TCPErrorsTotal.Inc()
				log.Error(err, "failed to read IPFIX message")
			}
			return
		case payload := <-session.out:
			TCPReceivedBytes.Add(float64(len(payload)))
			l.messages <- inboundMessage{source: conn.RemoteAddr().String(), payload: payload}
		}
	}
}

func (l *TCPListener) Messages() <-chan inboundMessage {
	return l.messages
}

// tcpSession reassembles one TCP byte stream into discrete IPFIX
// messages, using the 16-bit length field in the message header to know
// where each message ends.
type tcpSession struct {
	conn   net.Conn
	buf    bytes.Buffer
	out    chan []byte
}

func newTCPSession(conn net.Conn) *tcpSession {
	return &tcpSession{conn: conn, out: make(chan []byte)}
}

func (s *tcpSession) receive() error {
	for s.buf.Len() < MessageHeaderLength {
		if err := s.fill(); err != nil {
			return err
		}
	}

	header := s.buf.Bytes()[:MessageHeaderLength]
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < MessageHeaderLength {
		return fmt.Errorf("message declares length %d shorter than the IPFIX header", length)
	}

	for s.buf.Len() < length {
		if err := s.fill(); err != nil {
			return err
		}
	}

	msg := make([]byte, length)
	copy(msg, s.buf.Bytes()[:length])
	s.buf.Next(length)
	s.out <- msg
	return nil
}

func (s *tcpSession) fill() error {
	tmp := make([]byte, 4096)
	n, err := s.conn.Read(tmp)
	if n > 0 {
		s.buf.Write(tmp[:n])
	}
	if err != nil {
		return err
	}
	return nil
}

// UDPListener receives one complete IPFIX datagram per UDP packet; no
// reassembly is needed since IPFIX-over-UDP never spans multiple
// datagrams.
type UDPListener struct {
	bindAddr string
	messages chan inboundMessage

	listener net.PacketConn
}

func NewUDPListener(bindAddr string) *UDPListener {
	return &UDPListener{
		bindAddr: bindAddr,
		messages: make(chan inboundMessage, udpChannelBufferSize),
	}
}

func (l *UDPListener) Listen(ctx context.Context) error {
	log := FromContext(ctx, "component", "udp_listener")
	defer close(l.messages)

	listenConfig := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	var err error
	l.listener, err = listenConfig.ListenPacket(ctx, "udp", l.bindAddr)
	if err != nil {
		log.Error(err, "failed to bind UDP listener", "addr", l.bindAddr)
		return err
	}
	defer l.listener.Close()

	go func() {
		buffer := make([]byte, udpPacketBufferSize)
		for {
			n, addr, err := l.listener.ReadFrom(buffer)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				UDPErrorsTotal.Inc()
				log.Error(err, "failed to read UDP packet")
				return
			}
			UDPPacketsTotal.Inc()
			UDPReceivedBytes.Add(float64(n))

			payload := make([]byte, n)
			copy(payload, buffer[:n])
			l.messages <- inboundMessage{source: addr.String(), payload: payload}
		}
	}()

	log.Info("started UDP listener", "addr", l.bindAddr)
	<-ctx.Done()
	log.Info("shutting down UDP listener", "addr", l.bindAddr)
	return nil
}

func (l *UDPListener) Messages() <-chan inboundMessage {
	return l.messages
}

// Serve drains both listeners' message channels and feeds each datagram
// through ParseMessage, ResolveRecordCounts, and the dispatcher, until ctx
// is cancelled. It is the glue a cmd/ entrypoint needs between the
// listeners and the dispatcher without reaching into package-private
// types.
func Serve(ctx context.Context, d *Dispatcher, templates *Manager, tcp *TCPListener, udp *UDPListener) error {
	log := FromContext(ctx, "component", "pump")
	for {
		var in inboundMessage
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case in, ok = <-tcp.Messages():
			if !ok {
				return nil
			}
		case in, ok = <-udp.Messages():
			if !ok {
				return nil
			}
		}

		header, sets, err := ParseMessage(in.payload)
		if err != nil {
			MessagesMalformedTotal.Inc()
			log.V(1).Info("dropping malformed message", "error", err.Error(), "source", in.source)
			continue
		}
		ResolveRecordCounts(ctx, templates, header.ObservationDomainId, in.source, sets)
		d.Dispatch(ctx, header.ObservationDomainId, header.ExportTime, in.source, sets)
	}
}
