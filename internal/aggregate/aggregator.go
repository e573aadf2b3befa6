package aggregate

import (
	"bytes"
	"sort"
	"time"

	"hubcursor/feed-aggregator/internal/fetch"
	"hubcursor/feed-aggregator/internal/model"
)

type Normalizer interface {
	Normalize(out fetch.Outcome) ([]model.Record, *model.FetchError)
}

// Aggregate merges the outcomes for one subject. Outcomes are put in a
// canonical order first, so arrival order never changes the result. Records
// are deduplicated by (kind, id) keeping the first occurrence, then sorted by
// timestamp descending with ties kept in canonical order.
func Aggregate(subjectKey string, outcomes []fetch.Outcome, n Normalizer, now time.Time) model.AggregatedResult {
	res := model.AggregatedResult{SubjectKey: subjectKey, GeneratedAt: now.UTC(), Records: []model.Record{}}
	if len(outcomes) == 0 {
		return res
	}
	ordered := append([]fetch.Outcome(nil), outcomes...)
	sort.SliceStable(ordered, func(i, j int) bool { return outcomeLess(ordered[i], ordered[j]) })

	seen := make(map[string]bool)
	failed := 0
	for _, o := range ordered {
		if o.Err != nil {
			failed++
			res.PartialFailures = append(res.PartialFailures, failure(o, o.Err))
			continue
		}
		recs, err := n.Normalize(o)
		if err != nil {
			failed++
			res.PartialFailures = append(res.PartialFailures, failure(o, err))
			continue
		}
		for _, r := range recs {
			k := r.DedupKey()
			if seen[k] {
				continue
			}
			seen[k] = true
			res.Records = append(res.Records, r)
		}
	}
	if failed == len(ordered) {
		res.TotalFailure = true
		res.Records = []model.Record{}
		return res
	}
	SortRecords(res.Records)
	return res
}

// SortRecords orders records newest first, keeping input order for equal times.
func SortRecords(recs []model.Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].TimestampMillis > recs[j].TimestampMillis })
}

// IsSorted reports whether recs are in non-increasing timestamp order.
func IsSorted(recs []model.Record) bool {
	for i := 1; i < len(recs); i++ {
		if recs[i-1].TimestampMillis < recs[i].TimestampMillis {
			return false
		}
	}
	return true
}

func outcomeLess(a, b fetch.Outcome) bool {
	if a.Source.Region != b.Source.Region {
		return a.Source.Region < b.Source.Region
	}
	if a.Subject.Key() != b.Subject.Key() {
		return a.Subject.Key() < b.Subject.Key()
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if c := bytes.Compare(a.Body, b.Body); c != 0 {
		return c < 0
	}
	return errString(a.Err) < errString(b.Err)
}

func errString(e *model.FetchError) string {
	if e == nil {
		return ""
	}
	return e.Error()
}

func failure(o fetch.Outcome, err *model.FetchError) model.PartialFailure {
	return model.PartialFailure{
		Region:  o.Source.Region,
		Subject: o.Subject.Label(),
		Kind:    err.Kind,
		Reason:  err.Error(),
	}
}
