package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"hubcursor/feed-aggregator/internal/fetch"
	"hubcursor/feed-aggregator/internal/model"
)

var (
	photoTimeFields    = []string{"time", "timestamp", "creationTime", "created_at", "createdAt", "takenOn"}
	badgeTimeFields    = []string{"awardedAt", "receivedAt", "time", "timestamp", "created_at"}
	clothingTimeFields = []string{"releaseDate", "released_at", "created_at", "createdAt", "updated_at", "time", "timestamp"}
	activityTimeFields = []string{"timestamp", "time", "created_at", "createdAt", "detected_at"}
)

type Options struct {
	MaxPhotosPerSubject int // newest N photos per user outcome, 0 = no cap
	BadgeImageBase      string
}

// Normalizer turns successful fetch outcomes into canonical records.
type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	if opts.BadgeImageBase == "" {
		opts.BadgeImageBase = "https://images.habbo.com/c_images/album1584/"
	}
	return &Normalizer{opts: opts}
}

// Normalize returns the records in the outcome body. Failed outcomes yield
// nothing. A body that does not have the shape expected for the kind yields a
// malformed_payload error and no records.
func (n *Normalizer) Normalize(out fetch.Outcome) ([]model.Record, *model.FetchError) {
	if out.Err != nil {
		return nil, nil
	}
	kind, ok := out.Kind.RecordKind()
	if !ok {
		return nil, model.Errorf(model.ErrMalformed, "%s does not produce records", out.Kind)
	}
	var listKeys []string
	switch kind {
	case model.KindPhoto:
		listKeys = []string{"photos", "data", "items", "results"}
	case model.KindBadge:
		listKeys = []string{"badges", "selectedBadges", "data", "items"}
	case model.KindClothingItem:
		listKeys = []string{"items", "clothing", "figureSets", "sets", "data"}
	case model.KindActivityEvent:
		listKeys = []string{"activities", "events", "data", "items"}
	}
	items, err := itemsOf(out.Body, listKeys)
	if err != nil {
		return nil, err
	}

	recs := make([]model.Record, 0, len(items))
	for _, it := range items {
		var (
			r  model.Record
			ok bool
		)
		switch kind {
		case model.KindPhoto:
			r, ok = n.photo(out, it)
		case model.KindBadge:
			r, ok = n.badge(out, it)
		case model.KindClothingItem:
			r, ok = n.clothing(out, it)
		case model.KindActivityEvent:
			r, ok = n.activity(out, it)
		}
		if ok {
			recs = append(recs, r)
		}
	}
	if kind == model.KindPhoto && out.Kind == model.ResourcePhotos && n.opts.MaxPhotosPerSubject > 0 && len(recs) > n.opts.MaxPhotosPerSubject {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].TimestampMillis > recs[j].TimestampMillis })
		recs = recs[:n.opts.MaxPhotosPerSubject]
	}
	return recs, nil
}

// Friends extracts the visible friends listed in a friends outcome.
func (n *Normalizer) Friends(out fetch.Outcome) ([]model.Subject, *model.FetchError) {
	if out.Err != nil {
		return nil, nil
	}
	items, err := itemsOf(out.Body, []string{"friends", "data", "items"})
	if err != nil {
		return nil, err
	}
	subs := make([]model.Subject, 0, len(items))
	seen := map[string]bool{}
	for _, it := range items {
		if visible, ok := pickBool(it, "profileVisible"); ok && !visible {
			continue
		}
		s := model.Subject{ID: pickID(it, "uniqueId", "id"), Name: pickStr(it, "name", "username")}
		if s.Key() == "" || seen[s.Key()] {
			continue
		}
		seen[s.Key()] = true
		subs = append(subs, s)
	}
	return subs, nil
}

// Profile reads a user lookup response. The subject keeps the requested name
// when the body omits it; a body without uniqueId is malformed.
func (n *Normalizer) Profile(out fetch.Outcome) (model.Subject, *model.FetchError) {
	if out.Err != nil {
		return model.Subject{}, out.Err
	}
	dec := json.NewDecoder(bytes.NewReader(out.Body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || m == nil {
		return model.Subject{}, model.Errorf(model.ErrMalformed, "lookup body is not an object")
	}
	s := model.Subject{ID: pickID(m, "uniqueId", "unique_id", "id"), Name: pickStr(m, "name", "username")}
	if s.ID == "" {
		return model.Subject{}, model.Errorf(model.ErrMalformed, "lookup body has no uniqueId")
	}
	if s.Name == "" {
		s.Name = out.Subject.Label()
	}
	return s, nil
}

func itemsOf(body []byte, listKeys []string) ([]map[string]any, *model.FetchError) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, model.Errorf(model.ErrMalformed, "decode: %v", err)
	}
	var arr []any
	switch x := v.(type) {
	case []any:
		arr = x
	case map[string]any:
		found := false
		for _, k := range listKeys {
			if a, ok := x[k].([]any); ok {
				arr, found = a, true
				break
			}
		}
		if !found {
			return nil, model.Errorf(model.ErrMalformed, "object without any of %v", listKeys)
		}
	default:
		return nil, model.Errorf(model.ErrMalformed, "unexpected top-level %T", v)
	}
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (n *Normalizer) record(out fetch.Outcome, kind model.RecordKind, id, owner string, ts int64, ok bool, p model.Payload) model.Record {
	if !ok {
		ts = observed(out)
	}
	if owner == "" {
		owner = out.Subject.Label()
	}
	return model.Record{
		ID:              id,
		Kind:            kind,
		OwnerKey:        model.OwnerKey(owner, out.Source.Region),
		SourceRegion:    out.Source.Region,
		TimestampMillis: ts,
		Payload:         p,
	}
}

func observed(out fetch.Outcome) int64 {
	if out.ObservedAt.IsZero() {
		return time.Now().UnixMilli()
	}
	return out.ObservedAt.UnixMilli()
}

func (n *Normalizer) photo(out fetch.Outcome, m map[string]any) (model.Record, bool) {
	url := absoluteURL(pickStr(m, "url", "imageUrl", "src"))
	id := pickID(m, "id", "photoId", "photo_id")
	if id == "" {
		id = url
	}
	if id == "" {
		return model.Record{}, false
	}
	p := model.PhotoPayload{
		URL:        url,
		PreviewURL: absoluteURL(pickStr(m, "previewUrl", "preview_url", "thumbnailUrl")),
		Caption:    pickStr(m, "caption", "description"),
		Type:       pickStr(m, "type"),
		RoomID:     pickID(m, "room_id", "roomId"),
		RoomName:   pickStr(m, "room_name", "roomName"),
		Creator:    pickStr(m, "creator_name", "creatorName", "ownerName"),
		Tags:       pickStrings(m, "tags"),
	}
	if room := pickMap(m, "room"); room != nil {
		if p.RoomID == "" {
			p.RoomID = pickID(room, "id")
		}
		if p.RoomName == "" {
			p.RoomName = pickStr(room, "name")
		}
	}
	if p.RoomName == "" && p.RoomID != "" {
		p.RoomName = "Room " + p.RoomID
	}
	if likes, ok := pickInt(m, "likesCount", "likes_count"); ok {
		p.Likes = int(likes)
	} else if arr, ok := m["likes"].([]any); ok {
		p.Likes = len(arr)
	}
	ts, ok := timestampMillis(m, photoTimeFields, url)
	return n.record(out, model.KindPhoto, id, p.Creator, ts, ok, p), true
}

func (n *Normalizer) badge(out fetch.Outcome, m map[string]any) (model.Record, bool) {
	code := pickStr(m, "code", "badgeCode", "badge_code")
	if code == "" {
		return model.Record{}, false
	}
	p := model.BadgePayload{
		Code:        code,
		Name:        pickStr(m, "name"),
		Description: pickStr(m, "description"),
		ImageURL:    absoluteURL(pickStr(m, "imageUrl", "image_url")),
	}
	if slot, ok := pickInt(m, "badgeIndex", "slot"); ok {
		p.Slot = int(slot)
	}
	if p.ImageURL == "" {
		p.ImageURL = n.opts.BadgeImageBase + code + ".gif"
	}
	ts, ok := timestampMillis(m, badgeTimeFields, "")
	return n.record(out, model.KindBadge, code, "", ts, ok, p), true
}

func (n *Normalizer) clothing(out fetch.Outcome, m map[string]any) (model.Record, bool) {
	id := pickID(m, "id", "setId", "figureSetId", "code")
	if id == "" {
		return model.Record{}, false
	}
	p := model.ClothingPayload{
		Name:     pickStr(m, "name", "title"),
		Part:     pickStr(m, "part", "category", "type"),
		Gender:   pickStr(m, "gender"),
		Colors:   pickStrings(m, "colors", "colours"),
		ImageURL: absoluteURL(pickStr(m, "imageUrl", "image_url", "thumbnail")),
	}
	p.Club, _ = pickBool(m, "club", "isClub", "hc")
	ts, ok := timestampMillis(m, clothingTimeFields, p.ImageURL)
	return n.record(out, model.KindClothingItem, id, "", ts, ok, p), true
}

func (n *Normalizer) activity(out fetch.Outcome, m map[string]any) (model.Record, bool) {
	p := model.ActivityPayload{
		User:        pickStr(m, "username", "habbo_name", "user_name", "user"),
		Type:        pickStr(m, "activity_type", "type"),
		Description: pickStr(m, "description", "activity_description", "activity", "details"),
		Figure:      pickStr(m, "figureString", "figure_string", "figure"),
	}
	if p.Type == "" {
		p.Type = "activity"
	}
	if p.User == "" && p.Description == "" {
		return model.Record{}, false
	}
	ts, ok := timestampMillis(m, activityTimeFields, "")
	if !ok {
		ts = observed(out)
	}
	id := pickID(m, "id", "activity_id")
	if id == "" {
		id = strconv.FormatUint(fnv64(fmt.Sprintf("%s|%s|%s|%d", p.User, p.Type, p.Description, ts)), 16)
	}
	return n.record(out, model.KindActivityEvent, id, p.User, ts, true, p), true
}
