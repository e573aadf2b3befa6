package source

import (
	"strings"
	"time"

	"hubcursor/feed-aggregator/internal/model"
)

// Hotels is the built-in list of regional deployments.
var Hotels = []string{"br", "com", "de", "es", "fi", "fr", "it", "nl", "tr"}

var regionAliases = map[string]string{
	"ptbr":   "br",
	"com.br": "br",
	"com.tr": "tr",
	"us":     "com",
	"en":     "com",
}

// NormalizeRegion lower-cases a region and resolves aliases.
func NormalizeRegion(r string) string {
	r = strings.ToLower(strings.TrimSpace(r))
	if a, ok := regionAliases[r]; ok {
		return a
	}
	return r
}

// HotelDomain maps a region to its top-level domain suffix.
func HotelDomain(region string) string {
	switch r := NormalizeRegion(region); r {
	case "br":
		return "com.br"
	case "tr":
		return "com.tr"
	default:
		return r
	}
}

func HotelBaseURL(region string) string { return "https://www.habbo." + HotelDomain(region) }

// DefaultPaths are the public endpoints every hotel exposes. Per-user paths
// take the uniqueId, which the profile lookup resolves from a name.
func DefaultPaths() map[model.ResourceKind]string {
	return map[model.ResourceKind]string{
		model.ResourceProfile:      "/api/public/users?name={subject}",
		model.ResourcePhotos:       "/extradata/public/users/{subject}/photos",
		model.ResourceBadges:       "/api/public/users/{subject}/badges",
		model.ResourceFriends:      "/api/public/users/{subject}/friends",
		model.ResourcePublicPhotos: "/extradata/public/photos",
	}
}

func DefaultHotels(timeout time.Duration) []Descriptor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	out := make([]Descriptor, 0, len(Hotels))
	for _, h := range Hotels {
		out = append(out, Descriptor{Region: h, BaseURL: HotelBaseURL(h), Paths: DefaultPaths(), Timeout: timeout})
	}
	return out
}
