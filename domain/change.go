package domain

import "time"

// ChangeKind is the classified kind of a ledger mutation.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "Create"
	ChangeUpdate ChangeKind = "Update"
	ChangeDelete ChangeKind = "Delete"
)

// Event names written by the record store on the change feed.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// Attribute names used in record images.
const (
	AttrUserName = "userName"
	AttrEmail    = "email"
)

// AttributeValue is a typed attribute as found in record images. Only string
// attributes are replicated.
type AttributeValue struct {
	S *string `json:"S,omitempty"`
}

// Image is a snapshot of a record's attributes.
type Image map[string]AttributeValue

// StringAttr returns the string attribute name, if present and non-empty.
func (img Image) StringAttr(name string) (string, bool) {
	if img == nil {
		return "", false
	}
	v, ok := img[name]
	if !ok || v.S == nil || *v.S == "" {
		return "", false
	}
	return *v.S, true
}

// ImageOf builds the image of a record.
func ImageOf(r Record) Image {
	img := Image{AttrUserName: stringValue(r.Key)}
	if r.Email != "" {
		img[AttrEmail] = stringValue(r.Email)
	}
	return img
}

func stringValue(s string) AttributeValue {
	return AttributeValue{S: &s}
}

// RawChange is a change record as delivered by the change feed.
type RawChange struct {
	EventID     string `json:"eventId"`
	EventName   string `json:"eventName"`
	Sequence    int64  `json:"sequence,omitempty"`
	CommittedAt int64  `json:"committedAt,omitempty"`
	NewImage    Image  `json:"newImage,omitempty"`
	OldImage    Image  `json:"oldImage,omitempty"`
}

// Snapshot is the typed form of a record image.
type Snapshot struct {
	Key   string
	Email string
}

// ChangeEvent is a classified change to a single identity.
type ChangeEvent struct {
	ID          string
	Kind        ChangeKind
	Key         string
	Before      *Snapshot
	After       *Snapshot
	Sequence    int64
	CommittedAt time.Time
}

// Attributes returns the attributes to replicate for creates and updates.
func (e ChangeEvent) Attributes() Attributes {
	if e.After == nil {
		return ReplicatedAttributes("")
	}
	return ReplicatedAttributes(e.After.Email)
}

// Sequenced reports whether the event carries a sequence token.
func (e ChangeEvent) Sequenced() bool { return e.Sequence > 0 }
