package model

import (
	"strings"
	"time"
)

// ResourceKind names an upstream endpoint family.
type ResourceKind string

const (
	ResourcePhotos       ResourceKind = "photos"
	ResourceBadges       ResourceKind = "badges"
	ResourceClothing     ResourceKind = "clothing"
	ResourceActivities   ResourceKind = "activities"
	ResourceFriends      ResourceKind = "friends"
	ResourcePublicPhotos ResourceKind = "public_photos"
	ResourceProfile      ResourceKind = "profile" // name to uniqueId lookup
)

var resourceKinds = []ResourceKind{
	ResourcePhotos, ResourceBadges, ResourceClothing,
	ResourceActivities, ResourceFriends, ResourcePublicPhotos,
	ResourceProfile,
}

func ResourceKinds() []ResourceKind { return append([]ResourceKind(nil), resourceKinds...) }

func ParseResourceKind(s string) (ResourceKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range resourceKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// RecordKind is the canonical kind carried by a normalized record.
type RecordKind string

const (
	KindPhoto         RecordKind = "photo"
	KindBadge         RecordKind = "badge"
	KindClothingItem  RecordKind = "clothing_item"
	KindActivityEvent RecordKind = "activity_event"
)

// RecordKind returns the record kind produced by the resource and false for
// resources that do not produce records (friends, profile).
func (k ResourceKind) RecordKind() (RecordKind, bool) {
	switch k {
	case ResourcePhotos, ResourcePublicPhotos:
		return KindPhoto, true
	case ResourceBadges:
		return KindBadge, true
	case ResourceClothing:
		return KindClothingItem, true
	case ResourceActivities:
		return KindActivityEvent, true
	}
	return "", false
}

// Subject is someone whose data is fetched. ID is what goes into upstream
// paths, Name is what humans (and the rotation buckets) see.
type Subject struct {
	ID   string
	Name string
}

func NamedSubject(name string) Subject { return Subject{ID: name, Name: name} }

func (s Subject) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

func (s Subject) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Record is the canonical shape every upstream payload is normalized into.
// Records are values and are never mutated after the normalizer returns them.
type Record struct {
	ID              string
	Kind            RecordKind
	OwnerKey        string
	SourceRegion    string
	TimestampMillis int64
	Payload         Payload
}

func (r Record) Time() time.Time { return time.UnixMilli(r.TimestampMillis).UTC() }

// DedupKey identifies a record across sources.
func (r Record) DedupKey() string { return string(r.Kind) + "|" + r.ID }

// OwnerKey builds the "name@region" owner identity.
func OwnerKey(name, region string) string {
	if name == "" {
		return region
	}
	return name + "@" + region
}

// PartialFailure is one source that did not contribute to a result.
type PartialFailure struct {
	Region  string    `json:"region"`
	Subject string    `json:"subject,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Reason  string    `json:"reason"`
}

// AggregatedResult is the merged, deduplicated, time-sorted view for one subject.
type AggregatedResult struct {
	SubjectKey      string
	Records         []Record
	GeneratedAt     time.Time
	PartialFailures []PartialFailure
	TotalFailure    bool
}

// Page is a window over an aggregated record list.
type Page struct {
	Items      []Record
	HasMore    bool
	NextOffset int
}
