package aggregate

import "hubcursor/feed-aggregator/internal/model"

// Paginate returns records[offset:offset+limit]. Negative arguments are
// treated as zero. The returned items alias records, which are never mutated.
func Paginate(records []model.Record, offset, limit int) model.Page {
	offset = max(offset, 0)
	limit = max(limit, 0)
	if offset >= len(records) {
		return model.Page{Items: []model.Record{}}
	}
	// compare against the remainder so offset+limit cannot overflow
	end, more := len(records), false
	if limit < len(records)-offset {
		end, more = offset+limit, true
	}
	p := model.Page{Items: records[offset:end:end]}
	if more {
		p.HasMore = true
		p.NextOffset = end
	}
	return p
}
