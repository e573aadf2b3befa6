package schedule

import (
	"time"
	"unicode"

	"hubcursor/feed-aggregator/internal/config"
)

// RotationPolicy picks which targets run when there are more than the budget allows.
// It returns indexes into targets, at most budget of them.
type RotationPolicy interface {
	Select(targets []Target, budget int, now time.Time) []int
}

type bucket struct{ lo, hi rune }

// HourlyBuckets partitions targets by the first letter of the subject name and
// gives priority to bucket hourOfDay mod len(buckets). The remaining budget is
// filled from the other buckets in input order.
type HourlyBuckets struct {
	buckets []bucket
	loc     *time.Location
}

func NewHourlyBuckets(ranges []string, loc *time.Location) (*HourlyBuckets, error) {
	if len(ranges) == 0 {
		ranges = []string{"a-e", "f-j", "k-o", "p-t", "u-z"}
	}
	h := &HourlyBuckets{loc: loc}
	if h.loc == nil {
		h.loc = time.UTC
	}
	for _, r := range ranges {
		lo, hi, err := config.ParseBucket(r)
		if err != nil {
			return nil, err
		}
		h.buckets = append(h.buckets, bucket{lo, hi})
	}
	return h, nil
}

// BucketOf returns the bucket index for a subject label. Labels without a
// leading letter in any range land in the last bucket.
func (h *HourlyBuckets) BucketOf(label string) int {
	for _, r := range label {
		if !unicode.IsLetter(r) {
			continue
		}
		r = unicode.ToLower(r)
		for i, b := range h.buckets {
			if r >= b.lo && r <= b.hi {
				return i
			}
		}
		break
	}
	return len(h.buckets) - 1
}

func (h *HourlyBuckets) Priority(now time.Time) int {
	return now.In(h.loc).Hour() % len(h.buckets)
}

func (h *HourlyBuckets) Select(targets []Target, budget int, now time.Time) []int {
	if budget <= 0 || budget >= len(targets) {
		out := make([]int, len(targets))
		for i := range out {
			out[i] = i
		}
		return out
	}
	prio := h.Priority(now)
	out := make([]int, 0, budget)
	picked := make([]bool, len(targets))
	for i, t := range targets {
		if len(out) == budget {
			return out
		}
		if h.BucketOf(t.Subject.Label()) == prio {
			out = append(out, i)
			picked[i] = true
		}
	}
	for i := range targets {
		if len(out) == budget {
			break
		}
		if !picked[i] {
			out = append(out, i)
		}
	}
	return out
}
