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
	"io"

	"github.com/CESNET/ipfixcol-forward/iana/version"
)

// Set IDs that carry special meaning on the wire (RFC 7011 §3.3.2); every
// other value 256-65535 names a Data Set using the template of that ID.
const (
	TemplateSetID        uint16 = 2
	OptionsTemplateSetID uint16 = 3
	MinDataSetID         uint16 = 256

	// MessageHeaderLength is the fixed size, in octets, of the IPFIX message
	// header (version, length, export time, sequence number, ODID).
	MessageHeaderLength = 16
	// SetHeaderLength is the fixed size, in octets, of a Set header (set ID,
	// length).
	SetHeaderLength = 4
)

// MessageHeader is the 16-byte header prefixing every IPFIX datagram.
// Sets themselves are never modeled as a decoded tree here (see listener.go's
// ParseMessage and Builder) — the forwarding engine only ever needs the
// header fields to stamp outgoing datagrams and validate incoming ones.
type MessageHeader struct {
	Version             version.ProtocolVersion
	Length              uint16
	ExportTime          uint32
	SequenceNumber      uint32
	ObservationDomainId uint32
}

func (h *MessageHeader) Encode(w io.Writer) (int, error) {
	b := make([]byte, 0, MessageHeaderLength)
	b = h.appendTo(b)
	return w.Write(b)
}

// encodeInto writes the header directly into dst, which must have length
// MessageHeaderLength. Used by the packet builder to refresh the shared
// header slot in place without a fresh allocation per emission.
func (h *MessageHeader) encodeInto(dst []byte) {
	b := h.appendTo(dst[:0])
	copy(dst, b)
}

func (h *MessageHeader) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(h.Version))
	b = binary.BigEndian.AppendUint16(b, h.Length)
	b = binary.BigEndian.AppendUint32(b, h.ExportTime)
	b = binary.BigEndian.AppendUint32(b, h.SequenceNumber)
	b = binary.BigEndian.AppendUint32(b, h.ObservationDomainId)
	return b
}

func (h *MessageHeader) Decode(r io.Reader) (int, error) {
	b := make([]byte, MessageHeaderLength)
	n, err := io.ReadFull(r, b)
	if err != nil {
		return n, err
	}

	h.Version = version.ProtocolVersion(binary.BigEndian.Uint16(b[0:2]))
	if h.Version != version.IPFIX {
		return n, unknownVersion(h.Version)
	}
	h.Length = binary.BigEndian.Uint16(b[2:4])
	h.ExportTime = binary.BigEndian.Uint32(b[4:8])
	h.SequenceNumber = binary.BigEndian.Uint32(b[8:12])
	h.ObservationDomainId = binary.BigEndian.Uint32(b[12:16])
	return n, nil
}

// SetHeader is the 4-byte header prefixing every Set within a message: an ID
// (2 for Template Set, 3 for Options Template Set, >= 256 for a Data Set
// using that Template ID) and the total length of the set, header included.
type SetHeader struct {
	Id     uint16
	Length uint16
}

func (sh *SetHeader) Decode(r io.Reader) (int, error) {
	b := make([]byte, SetHeaderLength)
	n, err := io.ReadFull(r, b)
	if err != nil {
		return n, err
	}
	sh.Id = binary.BigEndian.Uint16(b[0:2])
	sh.Length = binary.BigEndian.Uint16(b[2:4])
	return n, nil
}

func (sh *SetHeader) Encode(w io.Writer) (int, error) {
	b := make([]byte, 0, SetHeaderLength)
	b = binary.BigEndian.AppendUint16(b, sh.Id)
	b = binary.BigEndian.AppendUint16(b, sh.Length)
	return w.Write(b)
}

// IsDataSetID reports whether id names a Data Set rather than a (Options)
// Template Set.
func IsDataSetID(id uint16) bool {
	return id >= MinDataSetID
}
