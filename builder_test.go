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
	"encoding/binary"
	"testing"
)

func buildDataSet(id uint16, body []byte) []byte {
	ds := make([]byte, SetHeaderLength+len(body))
	binary.BigEndian.PutUint16(ds[0:2], id)
	binary.BigEndian.PutUint16(ds[2:4], uint16(len(ds)))
	copy(ds[SetHeaderLength:], body)
	return ds
}

func TestBuilderSinglePacket(t *testing.T) {
	b := NewBuilder()
	b.Start(7, 1690000000)

	tmpl := buildTemplateRecord(300, field{id: 8, length: 4})
	if err := b.AddTemplate(tmpl, 300, Normal); err != nil {
		t.Fatalf("AddTemplate: %v", err)
	}

	ds := buildDataSet(300, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err := b.AddDataSet(ds, 300, 2); err != nil {
		t.Fatalf("AddDataSet: %v", err)
	}

	if err := b.End(4096); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := b.PacketCount(); got != 1 {
		t.Fatalf("PacketCount() = %d, want 1", got)
	}
	if got := b.PacketODID(); got != 7 {
		t.Fatalf("PacketODID() = %d, want 7", got)
	}
	if got := b.PacketRecordCount(0); got != 2 {
		t.Fatalf("PacketRecordCount(0) = %d, want 2", got)
	}

	iov, records, err := b.EmitAsIOVec(100, 0)
	if err != nil {
		t.Fatalf("EmitAsIOVec: %v", err)
	}
	if records != 2 {
		t.Fatalf("EmitAsIOVec records = %d, want 2", records)
	}

	var hdr MessageHeader
	if _, err := hdr.Decode(bytes.NewReader(iov[0])); err != nil {
		t.Fatalf("decoding emitted header: %v", err)
	}
	if hdr.ObservationDomainId != 7 || hdr.SequenceNumber != 100 {
		t.Fatalf("unexpected header: %+v", hdr)
	}

	total := 0
	for _, p := range iov {
		total += len(p)
	}
	if total != int(hdr.Length) {
		t.Fatalf("emitted %d bytes, header declares length %d", total, hdr.Length)
	}
}

func TestBuilderRewritesTemplateID(t *testing.T) {
	b := NewBuilder()
	b.Start(1, 0)

	tmpl := buildTemplateRecord(42, field{id: 8, length: 4})
	if err := b.AddTemplate(tmpl, 512, Normal); err != nil {
		t.Fatalf("AddTemplate: %v", err)
	}
	if err := b.End(4096); err != nil {
		t.Fatalf("End: %v", err)
	}

	iov, _, err := b.EmitAsIOVec(0, 0)
	if err != nil {
		t.Fatalf("EmitAsIOVec: %v", err)
	}
	// iov[0] is the message header, iov[1] is the synthesized Template Set
	// header, iov[2] is the synthesized 4-byte record header carrying the
	// rewritten Template ID.
	if len(iov) < 3 {
		t.Fatalf("expected at least 3 parts, got %d", len(iov))
	}
	gotID := binary.BigEndian.Uint16(iov[2][0:2])
	if gotID != 512 {
		t.Fatalf("rewritten template ID = %d, want 512", gotID)
	}
}

func TestBuilderSplitsOversizedContent(t *testing.T) {
	b := NewBuilder()
	b.Start(1, 0)

	for i := 0; i < 10; i++ {
		ds := buildDataSet(uint16(256+i), bytes.Repeat([]byte{0xAB}, 100))
		if err := b.AddDataSet(ds, uint16(256+i), 1); err != nil {
			t.Fatalf("AddDataSet %d: %v", i, err)
		}
	}

	if err := b.End(300); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := b.PacketCount(); got < 2 {
		t.Fatalf("PacketCount() = %d, want at least 2 given a small target size", got)
	}

	for i := 0; i < b.PacketCount(); i++ {
		iov, _, err := b.EmitAsIOVec(uint32(i), i)
		if err != nil {
			t.Fatalf("EmitAsIOVec(%d): %v", i, err)
		}
		total := 0
		for _, p := range iov {
			total += len(p)
		}
		var hdr MessageHeader
		if _, err := hdr.Decode(bytes.NewReader(iov[0])); err != nil {
			t.Fatalf("decoding header %d: %v", i, err)
		}
		if total != int(hdr.Length) {
			t.Fatalf("packet %d: emitted %d bytes, header declares %d", i, total, hdr.Length)
		}
	}
}

func TestBuilderAddTemplateWithdrawal(t *testing.T) {
	b := NewBuilder()
	b.Start(1, 0)

	if err := b.AddTemplateWithdrawal(300, Normal); err != nil {
		t.Fatalf("AddTemplateWithdrawal: %v", err)
	}
	if err := b.End(4096); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := b.PacketCount(); got != 1 {
		t.Fatalf("PacketCount() = %d, want 1", got)
	}

	iov, _, err := b.EmitAsIOVec(0, 0)
	if err != nil {
		t.Fatalf("EmitAsIOVec: %v", err)
	}
	if len(iov) != 3 {
		t.Fatalf("expected message header + set header + withdrawal record, got %d parts", len(iov))
	}
	if got := binary.BigEndian.Uint16(iov[1][0:2]); got != TemplateSetID {
		t.Fatalf("withdrawal set ID = %d, want %d", got, TemplateSetID)
	}
}

func TestBuilderRejectsAfterEnd(t *testing.T) {
	b := NewBuilder()
	b.Start(1, 0)
	if err := b.End(4096); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := b.AddTemplateWithdrawal(300, Normal); err != ErrBuilderFrozen {
		t.Fatalf("AddTemplateWithdrawal after End error = %v, want ErrBuilderFrozen", err)
	}
}

func TestEmitAsBytesResumesAfterOffset(t *testing.T) {
	b := NewBuilder()
	b.Start(1, 0)
	ds := buildDataSet(256, []byte{1, 2, 3, 4})
	if err := b.AddDataSet(ds, 256, 1); err != nil {
		t.Fatalf("AddDataSet: %v", err)
	}
	if err := b.End(4096); err != nil {
		t.Fatalf("End: %v", err)
	}

	full, _, err := b.EmitAsBytes(0, 0, 0)
	if err != nil {
		t.Fatalf("EmitAsBytes: %v", err)
	}
	resumed, _, err := b.EmitAsBytes(0, 0, 5)
	if err != nil {
		t.Fatalf("EmitAsBytes with offset: %v", err)
	}
	if !bytes.Equal(full[5:], resumed) {
		t.Fatalf("EmitAsBytes offset mismatch: full[5:]=%v, resumed=%v", full[5:], resumed)
	}
}
