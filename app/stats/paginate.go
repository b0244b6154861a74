package stats

// Pagination describes a window of an ordered listing
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Paginate computes page info for a window of limit items starting at offset out of total.
// Non-positive limit yields page 1 and no pages.
func Paginate(limit, offset, total int) Pagination {
	res := Pagination{Page: 1, Limit: limit, Total: total}
	if limit <= 0 {
		return res
	}
	res.Page = max(offset, 0)/limit + 1
	res.TotalPages = (total + limit - 1) / limit
	return res
}
