package models

import "testing"

func TestFieldsCloneIsDeep(t *testing.T) {
	original := Fields{
		"status": "pending",
		"items":  map[string]interface{}{"espresso": float64(2)},
	}
	clone := original.Clone()

	clone["status"] = "cancelled"
	clone["items"].(map[string]interface{})["espresso"] = float64(9)

	if original["status"] != "pending" {
		t.Error("clone must not share top-level entries")
	}
	if original["items"].(map[string]interface{})["espresso"] != float64(2) {
		t.Error("clone must not share nested values")
	}

	var nilFields Fields
	if nilFields.Clone() != nil {
		t.Error("nil fields clone to nil")
	}
}

func TestTargetKey(t *testing.T) {
	target := Target{Type: TypeOrder, ID: "42"}
	if target.Key() != "order/42" {
		t.Errorf("unexpected key: %q", target.Key())
	}
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rec := &Record{
		Type:       TypeOrder,
		ID:         "42",
		Fields:     Fields{"status": "pending"},
		VersionTag: "v1",
	}
	clone := rec.Clone()
	clone.Fields["status"] = "ready"
	clone.VersionTag = "v2"

	if rec.Fields["status"] != "pending" || rec.VersionTag != "v1" {
		t.Error("clone must not mutate the original")
	}

	var nilRec *Record
	if nilRec.Clone() != nil {
		t.Error("nil record clones to nil")
	}
}

func TestMutationCloneIsIndependent(t *testing.T) {
	mut := &Mutation{
		MutationID: "m-1",
		Op:         OpUpdate,
		Type:       TypeOrder,
		ID:         "42",
		Payload:    Fields{"status": "ready"},
		BaseFields: Fields{"status": "pending"},
	}
	clone := mut.Clone()
	clone.Payload["status"] = "cancelled"
	clone.BaseFields["status"] = "other"

	if mut.Payload["status"] != "ready" || mut.BaseFields["status"] != "pending" {
		t.Error("clone must not share field maps")
	}
}
