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
	"fmt"
	"strconv"
)

// TemplateType distinguishes Normal Templates (flowset ID 2) from Options
// Templates (flowset ID 3). The two populations never share an ID space
// within an ODID's withdrawal bookkeeping, even though both are allocated
// out of the same [256, 65535] shared ID range.
type TemplateType int

const (
	Normal TemplateType = iota
	Options
)

func (t TemplateType) String() string {
	if t == Options {
		return "options"
	}
	return "normal"
}

// recordAction is the result of classifying a raw Template Record, mirroring
// the forwarding plugin's TMPLT_DEF_TYPE.
type recordAction int

const (
	actionInvalid recordAction = iota
	actionNew
	actionWithdrawal
	actionWithdrawalAll
)

// classify implements §4.3.1: given a raw Template Record's declared ID,
// record count, and total length, decide what tmplts_process_template (here
// Manager.ProcessTemplate) should do with it.
func classify(id uint16, count uint16, length int, typ TemplateType) recordAction {
	if length < 4 {
		return actionInvalid
	}
	if count == 0 {
		if length != 4 {
			return actionInvalid
		}
		if typ == Normal && id == TemplateSetID {
			return actionWithdrawalAll
		}
		if typ == Options && id == OptionsTemplateSetID {
			return actionWithdrawalAll
		}
		if id < MinDataSetID {
			return actionInvalid
		}
		return actionWithdrawal
	}
	if id < MinDataSetID {
		return actionInvalid
	}
	return actionNew
}

// recordID and recordCount read the first 4 bytes every Template Record
// shares regardless of its body: the (private, about-to-be-rewritten)
// Template ID and the field count that follow it.
func recordID(rec []byte) uint16   { return uint16(rec[0])<<8 | uint16(rec[1]) }
func recordCount(rec []byte) uint16 { return uint16(rec[2])<<8 | uint16(rec[3]) }

// TemplateAction is the verdict returned by Manager.ProcessTemplate.
type TemplateAction int

const (
	// Invalid means the record was malformed; the caller should skip it and
	// log a warning.
	Invalid TemplateAction = iota
	// Pass means the record was accepted and a shared ID was assigned,
	// carried in ProcessResult.SharedID. The caller must rewrite both
	// builders with that ID.
	Pass
	// Drop means the record was a no-op: a re-announcement of an identical
	// template, or a withdrawal. Nothing should be appended to the builders.
	Drop
)

// ProcessResult is the outcome of Manager.ProcessTemplate.
type ProcessResult struct {
	Action   TemplateAction
	SharedID uint16
}

// sharedTemplate is one template definition shared by every flow source of
// an ODID that announced byte-identical content (ignoring the Template ID
// field, which differs per source until renumbered).
type sharedTemplate struct {
	id     uint16
	typ    TemplateType
	body   []byte // the record verbatim, bytes [0:2] (Template ID) excluded from comparisons
	refCnt int

	// recordLength is the fixed byte length of one Data Record described by
	// this template, or -1 if the template contains a variable-length
	// field (IPFIX field length 0xFFFF) and no fixed length exists.
	recordLength int
}

// fixedRecordLength sums the declared field lengths of a Template Record's
// field specifiers to determine how many bytes one Data Record using it
// occupies, without interpreting any field's value. Returns -1 if any
// field is variable-length (declared length 0xFFFF) or the record is
// malformed. This lets the dispatcher count Data Records in a Data Set
// without decoding Information Elements.
func fixedRecordLength(rec []byte, count uint16, typ TemplateType) int {
	offset := 4
	fields := int(count)
	if typ == Options {
		if len(rec) < 6 {
			return -1
		}
		offset = 6
	}

	total := 0
	for i := 0; i < fields; i++ {
		if offset+4 > len(rec) {
			return -1
		}
		fieldLength := uint16(rec[offset+2])<<8 | uint16(rec[offset+3])
		if fieldLength == 0xFFFF {
			return -1
		}
		total += int(fieldLength)
		enterprise := rec[offset]&0x80 != 0
		offset += 4
		if enterprise {
			offset += 4
		}
	}
	if total == 0 {
		return -1
	}
	return total
}

// odidStore is the per-ODID shared template space: §3's "per-ODID template
// store".
type odidStore struct {
	templates        map[uint16]*sharedTemplate
	normalCount      int
	optionsCount     int
	pendingWithdrawal int
}

func newODIDStore() *odidStore {
	return &odidStore{templates: make(map[uint16]*sharedTemplate)}
}

func (s *odidStore) countOf(typ TemplateType) int {
	if typ == Options {
		return s.optionsCount
	}
	return s.normalCount
}

func (s *odidStore) adjustCount(typ TemplateType, delta int) {
	if typ == Options {
		s.optionsCount += delta
	} else {
		s.normalCount += delta
	}
}

func (s *odidStore) empty() bool {
	return s.normalCount == 0 && s.optionsCount == 0
}

// findIdentical returns the ID of a shared template of the given type whose
// body is byte-identical to rec (ignoring the Template ID field), or 0.
func (s *odidStore) findIdentical(typ TemplateType, rec []byte) uint16 {
	for id, t := range s.templates {
		if t.typ != typ {
			continue
		}
		if bytes.Equal(t.body[2:], rec[2:]) {
			return id
		}
	}
	return 0
}

// allocate picks a free shared ID for a new template, preferring preferredID
// (usually the exporter's own private ID) and otherwise scanning the full
// range. Returns 0 if the ODID's 65280 shared IDs are all in use.
func (s *odidStore) allocate(preferredID uint16) uint16 {
	if preferredID >= MinDataSetID {
		if _, taken := s.templates[preferredID]; !taken {
			return preferredID
		}
	}
	for id := uint32(MinDataSetID); id <= 65535; id++ {
		if _, taken := s.templates[uint16(id)]; !taken {
			return uint16(id)
		}
	}
	return 0
}

// sourceKey identifies a flow source: an opaque token supplied by the
// caller (e.g. a *net.TCPConn pointer, or a session ID), plus the ODID it's
// currently bound to once seen. Two distinct tokens are always distinct
// sources even if their ODIDs collide; that's the entire point of the
// manager's renumbering.
type sourceKey struct {
	odid uint32
	src  interface{}
}

func (k sourceKey) String() string {
	return fmt.Sprintf("%d/%v", k.odid, k.src)
}

// sourceRecord is the per-flow-source mapping table from §3's "Flow-source
// record": private_id -> shared_id, plus a back-reference to the ODID store
// it's reconciled against.
type sourceRecord struct {
	odid uint32
	mapping map[uint16]uint16
}

func newSourceRecord(odid uint32) *sourceRecord {
	return &sourceRecord{odid: odid, mapping: make(map[uint16]uint16)}
}

// Manager is the shared template space described in §4.3. It is
// deliberately not internally synchronized (invariant in §5): callers must
// serialize their own calls into it, exactly as the forwarding dispatcher
// does by construction (one goroutine drives ingestion end to end).
type Manager struct {
	odids   map[uint32]*odidStore
	sources map[sourceKey]*sourceRecord
}

// NewManager creates an empty template manager.
func NewManager() *Manager {
	return &Manager{
		odids:   make(map[uint32]*odidStore),
		sources: make(map[sourceKey]*sourceRecord),
	}
}

func (m *Manager) getOrCreateSource(odid uint32, src interface{}) (*sourceRecord, *odidStore) {
	store, ok := m.odids[odid]
	if !ok {
		store = newODIDStore()
		m.odids[odid] = store
	}

	key := sourceKey{odid: odid, src: src}
	rec, ok := m.sources[key]
	if !ok {
		rec = newSourceRecord(odid)
		m.sources[key] = rec
	}
	return rec, store
}

// installMapping records that src's private ID maps to sharedID, bumping
// the shared template's reference count and clearing the ODID's pending
// withdrawal counter when the count transitions 0 -> 1 (§4.3.2 last
// paragraph).
func (m *Manager) installMapping(store *odidStore, rec *sourceRecord, privateID, sharedID uint16) {
	rec.mapping[privateID] = sharedID
	t := store.templates[sharedID]
	t.refCnt++
	if t.refCnt == 1 {
		store.pendingWithdrawal--
	}
}

// removeMapping undoes installMapping, incrementing the ODID's pending
// withdrawal counter on a 1 -> 0 transition.
func (m *Manager) removeMapping(store *odidStore, rec *sourceRecord, privateID uint16) {
	sharedID, ok := rec.mapping[privateID]
	if !ok {
		return
	}
	delete(rec.mapping, privateID)

	t, ok := store.templates[sharedID]
	if !ok {
		return
	}
	t.refCnt--
	if t.refCnt == 0 {
		store.pendingWithdrawal++
	}
}

// ProcessTemplate implements §4.3.2. rec is the raw Template Record bytes
// (Template ID, field/option count, and body) as handed to us by the
// external IPFIX parser; length is the number of leading bytes of rec that
// form this one record, kept as an explicit parameter because callers
// sometimes hand us a record embedded in a larger Template Set buffer.
func (m *Manager) ProcessTemplate(odid uint32, src interface{}, rec []byte, length int, typ TemplateType) ProcessResult {
	sourceRec, store := m.getOrCreateSource(odid, src)

	id := recordID(rec)
	count := recordCount(rec)
	action := classify(id, count, length, typ)

	switch action {
	case actionNew:
		if existingShared, ok := sourceRec.mapping[id]; ok {
			existing := store.templates[existingShared]
			if existing != nil && bytes.Equal(existing.body[2:], rec[2:length]) {
				return ProcessResult{Action: Drop}
			}
			m.removeMapping(store, sourceRec, id)
		}

		if sharedID := store.findIdentical(typ, rec[:length]); sharedID != 0 {
			m.installMapping(store, sourceRec, id, sharedID)
			return ProcessResult{Action: Drop}
		}

		sharedID := store.allocate(id)
		if sharedID == 0 {
			TemplatesDroppedTotal.WithLabelValues("capacity_exhausted").Inc()
			return ProcessResult{Action: Drop}
		}

		body := make([]byte, length)
		copy(body, rec[:length])
		store.templates[sharedID] = &sharedTemplate{
			id: sharedID, typ: typ, body: body, refCnt: 0,
			recordLength: fixedRecordLength(body, count, typ),
		}
		store.adjustCount(typ, 1)
		// a fresh template starts at ref count zero; installMapping's 0 -> 1
		// transition below takes it off the pending count again.
		store.pendingWithdrawal++

		m.installMapping(store, sourceRec, id, sharedID)
		return ProcessResult{Action: Pass, SharedID: sharedID}

	case actionWithdrawal:
		m.removeMapping(store, sourceRec, id)
		return ProcessResult{Action: Drop}

	case actionWithdrawalAll:
		m.withdrawAllOfType(sourceRec, store, typ)
		return ProcessResult{Action: Drop}

	default:
		return ProcessResult{Action: Invalid}
	}
}

func (m *Manager) withdrawAllOfType(rec *sourceRecord, store *odidStore, typ TemplateType) {
	for privateID, sharedID := range rec.mapping {
		t, ok := store.templates[sharedID]
		if !ok || t.typ != typ {
			continue
		}
		m.removeMapping(store, rec, privateID)
	}
}

// RemapDataSet implements §4.3.3: translate a Data Set's flowset ID, as seen
// by src, into the shared ID other destinations know it by. Returns 0 if
// unknown (caller must skip the Data Set with a warning).
func (m *Manager) RemapDataSet(odid uint32, src interface{}, flowsetID uint16) uint16 {
	rec, ok := m.sources[sourceKey{odid: odid, src: src}]
	if !ok {
		return 0
	}
	return rec.mapping[flowsetID]
}

// RecordLength returns the fixed Data Record length for the shared
// template sharedID holds within odid, and whether one could be
// determined (false for variable-length templates or an unknown ID). Used
// by a Set decoder to count records in a Data Set without interpreting
// Information Elements.
func (m *Manager) RecordLength(odid uint32, sharedID uint16) (int, bool) {
	store, ok := m.odids[odid]
	if !ok {
		return 0, false
	}
	t, ok := store.templates[sharedID]
	if !ok || t.recordLength <= 0 {
		return 0, false
	}
	return t.recordLength, true
}

// TakeWithdrawals implements §4.3.4: returns every shared ID of typ whose
// reference count is zero, removes those templates from the store, and
// destroys the ODID store entirely once it holds no templates of either
// type. Must be called for both Normal and Options after any message that
// carried templates, or pending-withdrawal bookkeeping will leak IDs.
func (m *Manager) TakeWithdrawals(odid uint32, typ TemplateType) []uint16 {
	store, ok := m.odids[odid]
	if !ok {
		return nil
	}

	var ids []uint16
	for id, t := range store.templates {
		if t.typ != typ || t.refCnt != 0 {
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		delete(store.templates, id)
		store.adjustCount(typ, -1)
		store.pendingWithdrawal--
	}

	if store.empty() {
		delete(m.odids, odid)
	}

	return ids
}

// TemplatesOf implements §4.3.5: every shared template of typ currently held
// for odid, used by the destination manager to replay templates to a
// reconnected peer. Returned slices share backing storage with the manager
// and must not be mutated.
func (m *Manager) TemplatesOf(odid uint32, typ TemplateType) []SharedTemplate {
	store, ok := m.odids[odid]
	if !ok {
		return nil
	}
	out := make([]SharedTemplate, 0, store.countOf(typ))
	for id, t := range store.templates {
		if t.typ != typ {
			continue
		}
		out = append(out, SharedTemplate{ID: id, Type: t.typ, Body: t.body})
	}
	return out
}

// SharedTemplate is the read-only view of a stored template exposed to
// callers outside this file (the destination manager, for template
// replay).
type SharedTemplate struct {
	ID   uint16
	Type TemplateType
	Body []byte
}

// ODIDs implements §4.3.5's companion: every ODID currently tracked.
func (m *Manager) ODIDs() []uint32 {
	out := make([]uint32, 0, len(m.odids))
	for odid := range m.odids {
		out = append(out, odid)
	}
	return out
}

// RemoveSource implements §4.3.6: withdraw everything a flow source owns
// (both template types) and forget the source itself. The caller should
// follow this with TakeWithdrawals(odid, Normal) and
// TakeWithdrawals(odid, Options) to actually reclaim the freed IDs and
// notify peers, exactly as after processing a message with templates.
func (m *Manager) RemoveSource(odid uint32, src interface{}) {
	key := sourceKey{odid: odid, src: src}
	rec, ok := m.sources[key]
	if !ok {
		return
	}
	if store, ok := m.odids[odid]; ok {
		m.withdrawAllOfType(rec, store, Normal)
		m.withdrawAllOfType(rec, store, Options)
	}
	delete(m.sources, key)
}

// reportLiveness publishes the gauges in metrics.go for odid. Called by the
// dispatcher after each TakeWithdrawals pass so the exported state doesn't
// lag live template counts by more than one message.
func (m *Manager) reportLiveness(odid uint32) {
	store, ok := m.odids[odid]
	odidLabel := strconv.FormatUint(uint64(odid), 10)
	if !ok {
		TemplatesLive.DeleteLabelValues(odidLabel, Normal.String())
		TemplatesLive.DeleteLabelValues(odidLabel, Options.String())
		TemplatesPendingWithdrawal.DeleteLabelValues(odidLabel)
		return
	}
	TemplatesLive.WithLabelValues(odidLabel, Normal.String()).Set(float64(store.normalCount))
	TemplatesLive.WithLabelValues(odidLabel, Options.String()).Set(float64(store.optionsCount))
	TemplatesPendingWithdrawal.WithLabelValues(odidLabel).Set(float64(store.pendingWithdrawal))
}
