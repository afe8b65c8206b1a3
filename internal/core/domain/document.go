package domain

import (
	"encoding/json"
	"fmt"
)

const (
	PenaltiesCollection = "penalties"

	// FieldLocalID carries the offline id on create so the store can make a
	// retried push idempotent.
	FieldLocalID = "localId"
)

// PenaltyFields encodes a penalty as a document field set. The document id
// is kept out of the fields.
func PenaltyFields(p Penalty) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "id")
	if p.SyncState == SyncLocal {
		fields[FieldLocalID] = p.ID
	}
	return fields, nil
}

// PenaltyFromFields decodes a stored document. Unknown categories, types and
// selection methods are rejected here so nothing past the boundary has to
// check them again.
func PenaltyFromFields(id string, fields map[string]any) (Penalty, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return Penalty{}, err
	}
	var p Penalty
	if err := json.Unmarshal(raw, &p); err != nil {
		return Penalty{}, fmt.Errorf("decode penalty %s: %w", id, err)
	}
	p.ID = id
	p.SyncState = SyncSynced
	if p.Remaining < 0 || p.Remaining > p.Duration {
		return Penalty{}, fmt.Errorf("decode penalty %s: %w: remaining %d, duration %d",
			id, ErrInvalidDuration, p.Remaining, p.Duration)
	}
	if !p.Active && p.EndTime == nil {
		return Penalty{}, fmt.Errorf("decode penalty %s: completed without end time", id)
	}
	return p, nil
}
