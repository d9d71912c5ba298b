package domain

import "time"

// Classify turns a raw change record into a ChangeEvent. Creates and updates
// read the new image, deletes read the old image. A missing email is
// tolerated and yields an empty attribute; a missing key is not.
func Classify(raw RawChange) (ChangeEvent, error) {
	ev := ChangeEvent{ID: raw.EventID, Sequence: raw.Sequence}
	if raw.CommittedAt > 0 {
		ev.CommittedAt = time.Unix(0, raw.CommittedAt).UTC()
	}
	switch raw.EventName {
	case EventInsert, EventModify:
		ev.Kind = ChangeCreate
		if raw.EventName == EventModify {
			ev.Kind = ChangeUpdate
		}
		after, ok := snapshotOf(raw.NewImage)
		if !ok {
			return ChangeEvent{}, classificationError(raw, ErrMissingKey)
		}
		ev.Key = after.Key
		ev.After = &after
		if before, ok := snapshotOf(raw.OldImage); ok {
			ev.Before = &before
		}
	case EventRemove:
		before, ok := snapshotOf(raw.OldImage)
		if !ok {
			return ChangeEvent{}, classificationError(raw, ErrMissingKey)
		}
		ev.Kind = ChangeDelete
		ev.Key = before.Key
		ev.Before = &before
	default:
		return ChangeEvent{}, classificationError(raw, ErrUnknownChangeKind)
	}
	return ev, nil
}

func snapshotOf(img Image) (Snapshot, bool) {
	key, ok := img.StringAttr(AttrUserName)
	if !ok {
		return Snapshot{}, false
	}
	email, _ := img.StringAttr(AttrEmail)
	return Snapshot{Key: key, Email: email}, true
}

func classificationError(raw RawChange, err error) *ClassificationError {
	return &ClassificationError{EventID: raw.EventID, EventName: raw.EventName, Err: err}
}
