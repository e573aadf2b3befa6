package model

// Payload is the kind-specific part of a Record. The set of implementations
// is closed: one per RecordKind.
type Payload interface {
	RecordKind() RecordKind
}

type PhotoPayload struct {
	URL        string   `json:"url"`
	PreviewURL string   `json:"previewUrl,omitempty"`
	Caption    string   `json:"caption,omitempty"`
	Type       string   `json:"type,omitempty"`
	RoomID     string   `json:"roomId,omitempty"`
	RoomName   string   `json:"roomName,omitempty"`
	Likes      int      `json:"likesCount"`
	Creator    string   `json:"creator,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

func (PhotoPayload) RecordKind() RecordKind { return KindPhoto }

type BadgePayload struct {
	Code        string `json:"code"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Slot        int    `json:"slot,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

func (BadgePayload) RecordKind() RecordKind { return KindBadge }

type ClothingPayload struct {
	Name     string   `json:"name,omitempty"`
	Part     string   `json:"part,omitempty"`
	Gender   string   `json:"gender,omitempty"`
	Club     bool     `json:"club"`
	Colors   []string `json:"colors,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
}

func (ClothingPayload) RecordKind() RecordKind { return KindClothingItem }

type ActivityPayload struct {
	User        string `json:"user"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Figure      string `json:"figure,omitempty"`
}

func (ActivityPayload) RecordKind() RecordKind { return KindActivityEvent }
