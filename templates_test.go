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
	"testing"
)

// field is one non-enterprise IPFIX field specifier: IE id and length.
type field struct {
	id     uint16
	length uint16
}

func buildTemplateRecord(id uint16, fields ...field) []byte {
	rec := make([]byte, 4, 4+4*len(fields))
	binary.BigEndian.PutUint16(rec[0:2], id)
	binary.BigEndian.PutUint16(rec[2:4], uint16(len(fields)))
	for _, f := range fields {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], f.id)
		binary.BigEndian.PutUint16(buf[2:4], f.length)
		rec = append(rec, buf...)
	}
	return rec
}

func buildOptionsTemplateRecord(id uint16, scopeFields []field, fields []field) []byte {
	all := append(append([]field(nil), scopeFields...), fields...)
	rec := make([]byte, 6, 6+4*len(all))
	binary.BigEndian.PutUint16(rec[0:2], id)
	binary.BigEndian.PutUint16(rec[2:4], uint16(len(all)))
	binary.BigEndian.PutUint16(rec[4:6], uint16(len(scopeFields)))
	for _, f := range all {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], f.id)
		binary.BigEndian.PutUint16(buf[2:4], f.length)
		rec = append(rec, buf...)
	}
	return rec
}

func TestClassify(t *testing.T) {
	withdrawAll := buildTemplateRecord(TemplateSetID)[:4]
	withdrawOne := buildTemplateRecord(300)[:4]
	def := buildTemplateRecord(300, field{id: 8, length: 4})

	cases := []struct {
		name   string
		rec    []byte
		typ    TemplateType
		want   recordAction
	}{
		{"withdraw-all", withdrawAll, Normal, actionWithdrawalAll},
		{"withdraw-one", withdrawOne, Normal, actionWithdrawal},
		{"new-definition", def, Normal, actionNew},
		{"too-short", []byte{0, 1, 0}, Normal, actionInvalid},
		{"zero-count-wrong-length", append(buildTemplateRecord(300)[:4], 0, 0), Normal, actionInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var id, count uint16
			if len(c.rec) >= 4 {
				id = recordID(c.rec)
				count = recordCount(c.rec)
			}
			got := classify(id, count, len(c.rec), c.typ)
			if got != c.want {
				t.Errorf("classify() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestFixedRecordLength(t *testing.T) {
	rec := buildTemplateRecord(300, field{id: 8, length: 4}, field{id: 12, length: 4})
	if got := fixedRecordLength(rec, 2, Normal); got != 8 {
		t.Fatalf("fixedRecordLength() = %d, want 8", got)
	}

	variable := buildTemplateRecord(300, field{id: 8, length: 4}, field{id: 200, length: 0xFFFF})
	if got := fixedRecordLength(variable, 2, Normal); got != -1 {
		t.Fatalf("fixedRecordLength() with variable field = %d, want -1", got)
	}

	opts := buildOptionsTemplateRecord(400, []field{{id: 1, length: 4}}, []field{{id: 8, length: 4}})
	if got := fixedRecordLength(opts, 2, Options); got != 8 {
		t.Fatalf("fixedRecordLength() for options = %d, want 8", got)
	}
}

func TestProcessTemplateNewAndDuplicate(t *testing.T) {
	m := NewManager()
	srcA := "exporter-a"

	rec := buildTemplateRecord(300, field{id: 8, length: 4})
	res := m.ProcessTemplate(1, srcA, rec, len(rec), Normal)
	if res.Action != Pass {
		t.Fatalf("expected Pass for new template, got %v", res.Action)
	}
	sharedID := res.SharedID

	// re-announcing the identical record from the same source is a no-op.
	res2 := m.ProcessTemplate(1, srcA, rec, len(rec), Normal)
	if res2.Action != Drop {
		t.Fatalf("expected Drop for re-announced identical template, got %v", res2.Action)
	}

	// a second source with a different private ID but identical body
	// dedups onto the same shared template.
	srcB := "exporter-b"
	recB := buildTemplateRecord(301, field{id: 8, length: 4})
	resB := m.ProcessTemplate(1, srcB, recB, len(recB), Normal)
	if resB.Action != Drop {
		t.Fatalf("expected Drop for byte-identical template from another source, got %v", resB.Action)
	}

	if length, ok := m.RecordLength(1, sharedID); !ok || length != 4 {
		t.Fatalf("RecordLength() = (%d, %v), want (4, true)", length, ok)
	}
}

func TestProcessTemplateInvalidRecord(t *testing.T) {
	m := NewManager()
	res := m.ProcessTemplate(1, "src", []byte{0, 1, 0}, 3, Normal)
	if res.Action != Invalid {
		t.Fatalf("expected Invalid, got %v", res.Action)
	}
}

func TestRemapDataSetAndWithdrawal(t *testing.T) {
	m := NewManager()
	src := "exporter"

	rec := buildTemplateRecord(300, field{id: 8, length: 4})
	res := m.ProcessTemplate(1, src, rec, len(rec), Normal)
	if res.Action != Pass {
		t.Fatalf("expected Pass, got %v", res.Action)
	}

	if got := m.RemapDataSet(1, src, 300); got != res.SharedID {
		t.Fatalf("RemapDataSet() = %d, want %d", got, res.SharedID)
	}
	if got := m.RemapDataSet(1, src, 999); got != 0 {
		t.Fatalf("RemapDataSet() for unknown flowset = %d, want 0", got)
	}

	// withdrawing the only source reference should make the template
	// eligible for TakeWithdrawals.
	withdrawal := buildTemplateRecord(300)[:4]
	wres := m.ProcessTemplate(1, src, withdrawal, len(withdrawal), Normal)
	if wres.Action != Drop {
		t.Fatalf("expected Drop for withdrawal, got %v", wres.Action)
	}

	ids := m.TakeWithdrawals(1, Normal)
	if len(ids) != 1 || ids[0] != res.SharedID {
		t.Fatalf("TakeWithdrawals() = %v, want [%d]", ids, res.SharedID)
	}

	// the ODID store is now empty and should have been reclaimed.
	if got := m.RemapDataSet(1, src, 300); got != 0 {
		t.Fatalf("RemapDataSet() after withdrawal = %d, want 0", got)
	}
}

func TestRemoveSource(t *testing.T) {
	m := NewManager()
	srcA, srcB := "a", "b"

	recA := buildTemplateRecord(300, field{id: 8, length: 4})
	resA := m.ProcessTemplate(1, srcA, recA, len(recA), Normal)
	if resA.Action != Pass {
		t.Fatalf("expected Pass for srcA, got %v", resA.Action)
	}

	recB := buildTemplateRecord(300, field{id: 8, length: 4})
	resB := m.ProcessTemplate(1, srcB, recB, len(recB), Normal)
	if resB.Action != Drop {
		t.Fatalf("expected Drop for srcB (dedup), got %v", resB.Action)
	}

	m.RemoveSource(1, srcA)
	if ids := m.TakeWithdrawals(1, Normal); len(ids) != 0 {
		t.Fatalf("expected no withdrawals while srcB still references the template, got %v", ids)
	}

	m.RemoveSource(1, srcB)
	if ids := m.TakeWithdrawals(1, Normal); len(ids) != 1 {
		t.Fatalf("expected one withdrawal once every source released the template, got %v", ids)
	}
}

func TestTemplatesOfAndODIDs(t *testing.T) {
	m := NewManager()
	rec := buildTemplateRecord(300, field{id: 8, length: 4})
	if res := m.ProcessTemplate(5, "src", rec, len(rec), Normal); res.Action != Pass {
		t.Fatalf("expected Pass, got %v", res.Action)
	}

	odids := m.ODIDs()
	if len(odids) != 1 || odids[0] != 5 {
		t.Fatalf("ODIDs() = %v, want [5]", odids)
	}

	templates := m.TemplatesOf(5, Normal)
	if len(templates) != 1 {
		t.Fatalf("TemplatesOf() returned %d templates, want 1", len(templates))
	}
}
