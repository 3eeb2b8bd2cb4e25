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
	"net"
	"testing"
	"time"
)

func TestTemplateRecordLength(t *testing.T) {
	normal := buildTemplateRecord(300, field{id: 8, length: 4}, field{id: 12, length: 4})
	if got := templateRecordLength(normal, recordCount(normal), Normal); got != len(normal) {
		t.Fatalf("templateRecordLength(normal) = %d, want %d", got, len(normal))
	}

	withdrawal := buildTemplateRecord(300)[:4]
	if got := templateRecordLength(withdrawal, 0, Normal); got != 4 {
		t.Fatalf("templateRecordLength(withdrawal) = %d, want 4", got)
	}

	opts := buildOptionsTemplateRecord(400, []field{{id: 1, length: 4}}, []field{{id: 8, length: 4}})
	if got := templateRecordLength(opts, recordCount(opts), Options); got != len(opts) {
		t.Fatalf("templateRecordLength(options) = %d, want %d", got, len(opts))
	}

	// an Options Template claiming more scope fields than its total field
	// count is malformed.
	bogus := buildOptionsTemplateRecord(400, []field{{id: 1, length: 4}}, nil)
	bogus[4], bogus[5] = 0, 5 // scope count 5 > field count 1
	if got := templateRecordLength(bogus, recordCount(bogus), Options); got != -1 {
		t.Fatalf("templateRecordLength(malformed options) = %d, want -1", got)
	}

	// declares two fields but only carries bytes for one.
	truncated := buildTemplateRecord(300, field{id: 8, length: 4})[:8]
	if got := templateRecordLength(truncated, 2, Normal); got != -1 {
		t.Fatalf("templateRecordLength(truncated) = %d, want -1", got)
	}
}

// capturingListener accepts exactly one connection and makes every byte it
// reads available on the returned channel, so a test can assert on the
// exact datagrams a Dispatch call produced.
func capturingListener(t *testing.T) (host, port string, received <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	out := make(chan []byte, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				out <- cp
			}
			if err != nil {
				return
			}
		}
	}()

	host, port, err = net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	return host, port, out
}

func TestDispatcherEndToEnd(t *testing.T) {
	host, port, received := capturingListener(t)

	templates := NewManager()
	destinations := NewDestinationManager(templates)
	destinations.Add(NewSender(host, port))
	destinations.Reconnect(context.Background(), false)

	d := NewDispatcher(templates, destinations, 4096, All)

	tmpl := buildTemplateRecord(300, field{id: 8, length: 4})
	ds := buildDataSet(300, []byte{0, 0, 0, 1})

	sets := []Set{
		{Header: SetHeader{Id: TemplateSetID, Length: uint16(SetHeaderLength + len(tmpl))}, Body: tmpl},
		{Header: SetHeader{Id: 300, Length: uint16(len(ds))}, Body: ds[SetHeaderLength:], RecordCount: 1},
	}

	d.Dispatch(context.Background(), 1, 1690000000, "exporter-1", sets)

	select {
	case got := <-received:
		if len(got) < MessageHeaderLength {
			t.Fatalf("received %d bytes, too short for a message header", len(got))
		}
		var hdr MessageHeader
		if _, err := hdr.Decode(bytes.NewReader(got)); err != nil {
			t.Fatalf("decoding received header: %v", err)
		}
		if hdr.ObservationDomainId != 1 {
			t.Fatalf("received ODID = %d, want 1", hdr.ObservationDomainId)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched packet")
	}

	if got := templates.RemapDataSet(1, "exporter-1", 300); got == 0 {
		t.Fatal("expected a shared template ID to be assigned for flowset 300")
	}
}

// TestProcessDataSetZeroCopiesWhenIDUnchanged asserts that a Data Set whose
// shared Template ID happens to match its on-wire Template ID is threaded
// through to the builder by reference (via Set.Raw), not copied: a single
// flow source registering template 300 keeps 300 as its shared ID (§4.3's
// allocator prefers the source's own ID when free), so this is the common
// case, not an edge case.
func TestProcessDataSetZeroCopiesWhenIDUnchanged(t *testing.T) {
	templates := NewManager()
	tmpl := buildTemplateRecord(300, field{id: 8, length: 4})
	res := templates.ProcessTemplate(1, "exporter-1", tmpl, len(tmpl), Normal)
	if res.Action != Pass || res.SharedID != 300 {
		t.Fatalf("ProcessTemplate: got Action=%v SharedID=%d, want Pass/300", res.Action, res.SharedID)
	}

	raw := buildDataSet(300, []byte{1, 2, 3, 4})
	set := Set{
		Header:      SetHeader{Id: 300, Length: uint16(len(raw))},
		Body:        raw[SetHeaderLength:],
		Raw:         raw,
		RecordCount: 1,
	}

	d := NewDispatcher(templates, NewDestinationManager(templates), 4096, All)
	d.builderAll.Start(1, 0)
	d.processDataSet(Log, 1, "exporter-1", set)

	// parts[0] is the reserved message header slot; the Data Set follows it.
	if len(d.builderAll.parts) != 2 {
		t.Fatalf("builderAll has %d parts, want 2", len(d.builderAll.parts))
	}
	got := d.builderAll.parts[1].data
	if &got[0] != &raw[0] {
		t.Fatal("AddDataSet copied the Set instead of referencing set.Raw directly")
	}
}

func TestDispatcherDropsUnknownSet(t *testing.T) {
	templates := NewManager()
	destinations := NewDestinationManager(templates)
	d := NewDispatcher(templates, destinations, 4096, All)

	before := testCounterValue(t, MessagesMalformedTotal)
	sets := []Set{
		{Header: SetHeader{Id: 1, Length: 4}, Body: nil},
	}
	d.Dispatch(context.Background(), 1, 0, "exporter-1", sets)
	after := testCounterValue(t, MessagesMalformedTotal)
	if after != before+1 {
		t.Fatalf("MessagesMalformedTotal = %v after dispatch, want %v", after, before+1)
	}
}
