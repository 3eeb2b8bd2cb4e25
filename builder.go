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
	"encoding/binary"

	"github.com/CESNET/ipfixcol-forward/iana/version"
)

const (
	// templateSetSoftCap bounds how large a single (Options) Template Set
	// built by Builder.AddTemplate/AddTemplateWithdrawal is allowed to grow
	// before a new one is opened.
	templateSetSoftCap = 512
	// packetSizeFloor is the minimum target packet size End honors even if
	// asked for something smaller.
	packetSizeFloor = 256
)

// part is one zero-copy reference into either caller-owned bytes (a Data
// Set or Template Record handed to Add*) or arena-owned bytes synthesized
// by the builder itself (a rewritten header, a withdrawal record).
type part struct {
	data    []byte
	newSet  bool
	records int
}

// openSet tracks the currently-accumulating trailing (Options) Template
// Set or withdrawal set of one type, so repeated Add calls can extend it
// in place by patching its length field.
type openSet struct {
	headerIdx int
	length    uint16
}

// builtPacket describes one packet produced by End: a contiguous run of
// parts, always preceded implicitly by the shared header slot at index 0.
type builtPacket struct {
	startPart int
	partCount int
	length    int
	records   int
}

// setGroup is one non-splittable unit handed to the packet partitioner:
// either a single Data Set (1-2 parts) or one (Options) Template/withdrawal
// Set (1+ parts).
type setGroup struct {
	startPart int
	partCount int
	length    int
	records   int
}

// Builder assembles zero-copy IPFIX datagrams from references to Data Sets
// and Template Records, per §4.2: a growing list of part descriptors with
// slot 0 reserved for the message header, synthesized headers kept alive
// in an owned arena, and a packets table populated by End.
//
// Builder is not safe for concurrent use, and only one emitted packet's
// buffers are valid at a time: EmitAsIOVec/EmitAsBytes reuse the shared
// header slot on every call.
type Builder struct {
	odid       uint32
	exportTime uint32

	parts []part
	arena [][]byte

	openTemplateSet   [2]*openSet
	openWithdrawalSet [2]*openSet

	frozen  bool
	packets []builtPacket
}

// NewBuilder returns an empty, unstarted Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Start clears any previous state and reserves the header slot for a new
// message bound to odid/exportTime.
func (b *Builder) Start(odid uint32, exportTime uint32) {
	b.odid = odid
	b.exportTime = exportTime
	b.parts = b.parts[:0]
	b.arena = b.arena[:0]
	b.openTemplateSet = [2]*openSet{}
	b.openWithdrawalSet = [2]*openSet{}
	b.frozen = false
	b.packets = b.packets[:0]

	hdr := make([]byte, MessageHeaderLength)
	b.arena = append(b.arena, hdr)
	b.parts = append(b.parts, part{data: hdr})
}

func (b *Builder) newArenaBytes(n int) []byte {
	buf := make([]byte, n)
	b.arena = append(b.arena, buf)
	return buf
}

// AddDataSet appends a reference to ds (a complete Data Set, header
// included) to the packet under construction. If ds's own flowset ID
// already equals newID the set is referenced directly; otherwise a
// synthesized 4-byte header carrying newID replaces it and the original
// body is referenced as a second part.
func (b *Builder) AddDataSet(ds []byte, newID uint16, recordCount int) error {
	if b.frozen {
		return ErrBuilderFrozen
	}
	if len(ds) < SetHeaderLength {
		return ErrSetExceedsDatagram
	}
	existingID := binary.BigEndian.Uint16(ds[0:2])
	length := binary.BigEndian.Uint16(ds[2:4])
	if int(length) > len(ds) {
		return ErrSetExceedsDatagram
	}

	if existingID == newID {
		b.parts = append(b.parts, part{data: ds[:length], newSet: true, records: recordCount})
		return nil
	}

	hdr := b.newArenaBytes(SetHeaderLength)
	binary.BigEndian.PutUint16(hdr[0:2], newID)
	binary.BigEndian.PutUint16(hdr[2:4], length)
	b.parts = append(b.parts, part{data: hdr, newSet: true, records: recordCount})
	b.parts = append(b.parts, part{data: ds[SetHeaderLength:length]})
	return nil
}

// AddTemplate appends rec (one Template Record, Template ID included) to
// the trailing (Options) Template Set of the matching type, opening a new
// one if none is open or the current one would exceed the soft cap. If
// rec's own Template ID differs from newID, a synthesized 4-byte record
// header carrying newID replaces rec's first 4 bytes and the rest of rec is
// referenced in place.
func (b *Builder) AddTemplate(rec []byte, newID uint16, typ TemplateType) error {
	if b.frozen {
		return ErrBuilderFrozen
	}
	return b.appendTemplateRecord(&b.openTemplateSet[typ], templateSetID(typ), rec, newID)
}

// AddTemplateWithdrawal appends a 4-byte withdrawal record (id, count=0) to
// the trailing withdrawal set of the matching type.
func (b *Builder) AddTemplateWithdrawal(id uint16, typ TemplateType) error {
	if b.frozen {
		return ErrBuilderFrozen
	}
	rec := make([]byte, 4)
	binary.BigEndian.PutUint16(rec[0:2], id)
	return b.appendTemplateRecord(&b.openWithdrawalSet[typ], templateSetID(typ), rec, id)
}

func templateSetID(typ TemplateType) uint16 {
	if typ == Options {
		return OptionsTemplateSetID
	}
	return TemplateSetID
}

func (b *Builder) appendTemplateRecord(slot **openSet, setID uint16, rec []byte, newID uint16) error {
	recParts := [][]byte{rec}
	if recordID(rec) != newID {
		hdr := b.newArenaBytes(4)
		copy(hdr, rec[:4])
		binary.BigEndian.PutUint16(hdr[0:2], newID)
		recParts = [][]byte{hdr}
		if len(rec) > 4 {
			recParts = append(recParts, rec[4:])
		}
	}

	open := *slot
	if open == nil || int(open.length)+len(rec) > templateSetSoftCap {
		hdr := b.newArenaBytes(SetHeaderLength)
		binary.BigEndian.PutUint16(hdr[0:2], setID)
		idx := len(b.parts)
		b.parts = append(b.parts, part{data: hdr, newSet: true})
		open = &openSet{headerIdx: idx, length: SetHeaderLength}
		*slot = open
	}

	for _, p := range recParts {
		b.parts = append(b.parts, part{data: p})
	}
	open.length += uint16(len(rec))
	binary.BigEndian.PutUint16(b.parts[open.headerIdx].data[2:4], open.length)
	return nil
}

// groups collapses b.parts[1:] (part 0 is the reserved header slot) into
// non-splittable Set-sized units for the partitioner.
func (b *Builder) groups() []setGroup {
	var groups []setGroup
	for i := 1; i < len(b.parts); i++ {
		p := b.parts[i]
		if p.newSet || len(groups) == 0 {
			groups = append(groups, setGroup{startPart: i})
		}
		g := &groups[len(groups)-1]
		g.partCount++
		g.length += len(p.data)
		g.records += p.records
	}
	return groups
}

// End partitions accumulated parts into one or more packets targeting
// maxSize bytes (never below packetSizeFloor, never splitting a single
// Set across packets) and freezes the builder until the next Start.
func (b *Builder) End(maxSize uint16) error {
	if b.frozen {
		return ErrBuilderFrozen
	}
	target := int(maxSize)
	if target < packetSizeFloor {
		target = packetSizeFloor
	}

	groups := b.groups()
	curStart, curCount, curLen, curRecords := -1, 0, MessageHeaderLength, 0

	flush := func() {
		if curCount > 0 {
			b.packets = append(b.packets, builtPacket{
				startPart: curStart,
				partCount: curCount,
				length:    curLen,
				records:   curRecords,
			})
		}
		curStart, curCount, curLen, curRecords = -1, 0, MessageHeaderLength, 0
	}

	for _, g := range groups {
		if curCount > 0 && curLen+g.length > target {
			flush()
		}
		if curStart == -1 {
			curStart = g.startPart
		}
		curCount += g.partCount
		curLen += g.length
		curRecords += g.records
	}
	flush()

	b.frozen = true
	return nil
}

// PacketCount returns the number of packets produced by the last End call.
func (b *Builder) PacketCount() int {
	return len(b.packets)
}

// PacketODID returns the ODID stamped by the last Start call.
func (b *Builder) PacketODID() uint32 {
	return b.odid
}

// PacketRecordCount returns the number of data records carried by packet
// idx, as reported to Add.
func (b *Builder) PacketRecordCount(idx int) int {
	return b.packets[idx].records
}

func (b *Builder) header(seqNo uint32, idx int) (MessageHeader, error) {
	if idx < 0 || idx >= len(b.packets) {
		return MessageHeader{}, ErrTemplateNotFound
	}
	pkt := b.packets[idx]
	return MessageHeader{
		Version:             version.IPFIX,
		Length:              uint16(pkt.length),
		ExportTime:          b.exportTime,
		SequenceNumber:      seqNo,
		ObservationDomainId: b.odid,
	}, nil
}

// EmitAsIOVec fills the shared header slot and returns a scatter/gather
// view of packet idx suitable for a single vectored write. The returned
// slices alias Builder-owned memory and are only valid until the next
// EmitAsIOVec/EmitAsBytes call.
func (b *Builder) EmitAsIOVec(seqNo uint32, idx int) ([][]byte, int, error) {
	h, err := b.header(seqNo, idx)
	if err != nil {
		return nil, 0, err
	}
	h.encodeInto(b.parts[0].data)

	pkt := b.packets[idx]
	out := make([][]byte, 0, pkt.partCount+1)
	out = append(out, b.parts[0].data)
	for i := 0; i < pkt.partCount; i++ {
		out = append(out, b.parts[pkt.startPart+i].data)
	}
	return out, pkt.records, nil
}

// EmitAsBytes is like EmitAsIOVec but returns a single contiguous copy,
// dropping the first offset bytes of the packet. Used to resume a
// partially sent packet after a short write.
func (b *Builder) EmitAsBytes(seqNo uint32, idx int, offset int) ([]byte, int, error) {
	iov, records, err := b.EmitAsIOVec(seqNo, idx)
	if err != nil {
		return nil, 0, err
	}

	total := 0
	for _, v := range iov {
		total += len(v)
	}
	if offset > total {
		offset = total
	}

	out := make([]byte, 0, total-offset)
	skip := offset
	for _, v := range iov {
		if skip >= len(v) {
			skip -= len(v)
			continue
		}
		out = append(out, v[skip:]...)
		skip = 0
	}
	return out, records, nil
}
