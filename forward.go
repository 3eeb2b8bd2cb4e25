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
	"encoding/binary"
	"time"

	"github.com/go-logr/logr"
)

// Set is one Set (Template, Options Template, or Data) as seen by the
// dispatcher: its header plus the raw bytes of its body, verbatim off the
// wire. For a Data Set, RecordCount is supplied by the caller (the
// decoder owns template-driven record counting; this package only
// forwards raw bytes).
type Set struct {
	Header      SetHeader
	Body        []byte
	RecordCount int

	// Raw, when set, is the Set header and body as one contiguous slice
	// of the original datagram (ParseMessage sets it). processDataSet
	// threads it straight through to Builder.AddDataSet so a Data Set
	// whose Template ID isn't being rewritten is referenced, not copied.
	// Callers that build a Set by hand may leave it nil; processDataSet
	// falls back to assembling one from Header and Body in that case.
	Raw []byte
}

// Dispatcher drives one forwarding cycle per incoming IPFIX message,
// coordinating the template manager, packet builder, and destination
// manager, per §4.5.
type Dispatcher struct {
	Templates    *Manager
	Destinations *DestinationManager
	MaxPacketSize uint16
	Mode          DistributionMode

	builderAll       *Builder
	builderTemplates *Builder
}

// NewDispatcher wires a Dispatcher around the given template and
// destination managers.
func NewDispatcher(templates *Manager, destinations *DestinationManager, maxPacketSize uint16, mode DistributionMode) *Dispatcher {
	return &Dispatcher{
		Templates:     templates,
		Destinations:  destinations,
		MaxPacketSize: maxPacketSize,
		Mode:          mode,

		builderAll:       NewBuilder(),
		builderTemplates: NewBuilder(),
	}
}

// Dispatch processes one IPFIX message's Sets, per §4.5: Template Sets
// update the shared template manager and are appended to both builders
// under their (possibly renumbered) shared ID; Data Sets are remapped and
// appended only to builderAll. Withdrawals generated by any template seen
// in this message are appended to both builders before End. The result is
// handed to the destination manager for send.
func (d *Dispatcher) Dispatch(ctx context.Context, odid uint32, exportTime uint32, source interface{}, sets []Set) {
	start := time.Now()
	defer func() {
		DispatchDurationMicroseconds.Observe(float64(time.Since(start).Microseconds()))
	}()
	MessagesTotal.Inc()

	log := FromContext(ctx, "odid", odid)

	d.builderAll.Start(odid, exportTime)
	d.builderTemplates.Start(odid, exportTime)

	sawTemplate := false
	for _, set := range sets {
		switch {
		case set.Header.Id == TemplateSetID:
			d.processTemplateSet(log, odid, source, set, Normal)
			sawTemplate = true
		case set.Header.Id == OptionsTemplateSetID:
			d.processTemplateSet(log, odid, source, set, Options)
			sawTemplate = true
		case IsDataSetID(set.Header.Id):
			d.processDataSet(log, odid, source, set)
		default:
			MessagesMalformedTotal.Inc()
			log.V(1).Info("unknown set id, skipping", "id", set.Header.Id)
		}
	}

	if sawTemplate {
		for _, typ := range [...]TemplateType{Normal, Options} {
			for _, id := range d.Templates.TakeWithdrawals(odid, typ) {
				_ = d.builderAll.AddTemplateWithdrawal(id, typ)
				_ = d.builderTemplates.AddTemplateWithdrawal(id, typ)
			}
			d.Templates.reportLiveness(odid)
		}
	}

	if err := d.builderAll.End(d.MaxPacketSize); err != nil {
		log.Error(err, "failed to finalize packet")
		return
	}
	if err := d.builderTemplates.End(d.MaxPacketSize); err != nil {
		log.Error(err, "failed to finalize template packet")
		return
	}

	d.Destinations.Dispatch(ctx, d.builderAll, d.builderTemplates, d.Mode)
}

func (d *Dispatcher) processTemplateSet(log logr.Logger, odid uint32, source interface{}, set Set, typ TemplateType) {
	rec := set.Body
	for len(rec) >= 4 {
		count := recordCount(rec)
		length := templateRecordLength(rec, count, typ)
		if length <= 0 || length > len(rec) {
			DataSetsSkippedTotal.WithLabelValues("malformed_template_record").Inc()
			return
		}

		result := d.Templates.ProcessTemplate(odid, source, rec, length, typ)
		switch result.Action {
		case Pass:
			if err := d.builderAll.AddTemplate(rec[:length], result.SharedID, typ); err != nil {
				log.Error(err, "failed to add template to packet", "shared_id", result.SharedID)
			}
			if err := d.builderTemplates.AddTemplate(rec[:length], result.SharedID, typ); err != nil {
				log.Error(err, "failed to add template to template-only packet", "shared_id", result.SharedID)
			}
		case Invalid:
			TemplatesDroppedTotal.WithLabelValues("invalid_record").Inc()
		}

		rec = rec[length:]
	}
}

// templateRecordLength computes how many bytes of rec belong to the
// current Template Record: the classification in §4.3.1 already tells us
// whether it's a 4-byte withdrawal or a field-count-driven definition;
// beyond that, determining a Normal Template's exact byte length requires
// walking `count` 4-byte field specifiers (8 bytes for enterprise-numbered
// ones) or, for an Options Template, accounting for its extra scope-count
// field. This mirrors ipfixcol's own record walker.
func templateRecordLength(rec []byte, count uint16, typ TemplateType) int {
	if count == 0 {
		return 4
	}

	offset := 4
	fields := int(count)
	if typ == Options {
		if len(rec) < 6 {
			return -1
		}
		scopeCount := int(binary.BigEndian.Uint16(rec[4:6]))
		if scopeCount > fields {
			return -1
		}
		offset = 6
	}

	for i := 0; i < fields; i++ {
		if offset+4 > len(rec) {
			return -1
		}
		enterprise := rec[offset]&0x80 != 0
		offset += 4
		if enterprise {
			offset += 4
		}
	}
	return offset
}

func (d *Dispatcher) processDataSet(log logr.Logger, odid uint32, source interface{}, set Set) {
	if set.Header.Id < MinDataSetID {
		DataSetsSkippedTotal.WithLabelValues("below_min_id").Inc()
		log.V(1).Info("unknown set id skipped", "id", set.Header.Id)
		return
	}

	newID := d.Templates.RemapDataSet(odid, source, set.Header.Id)
	if newID == 0 {
		DataSetsSkippedTotal.WithLabelValues("unknown_template").Inc()
		log.V(1).Info("no template for data set, skipping", "id", set.Header.Id)
		return
	}

	raw := set.Raw
	if raw == nil {
		// No contiguous header+body span available (a hand-built Set, not
		// one that came through ParseMessage): fall back to assembling one.
		raw = make([]byte, SetHeaderLength+len(set.Body))
		binary.BigEndian.PutUint16(raw[0:2], set.Header.Id)
		binary.BigEndian.PutUint16(raw[2:4], set.Header.Length)
		copy(raw[SetHeaderLength:], set.Body)
	}

	if err := d.builderAll.AddDataSet(raw, newID, set.RecordCount); err != nil {
		log.Error(err, "failed to add data set to packet")
	}
}
