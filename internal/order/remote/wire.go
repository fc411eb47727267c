package remote

import (
	"time"

	"github.com/smallbiznis/declara/internal/order/domain"
)

type searchRequest struct {
	Destination  string     `json:"destination,omitempty"`
	Query        string     `json:"query,omitempty"`
	CreatedAfter *time.Time `json:"created_after,omitempty"`
	First        int        `json:"first"`
	After        string     `json:"after,omitempty"`
	SortKey      string     `json:"sort_key"`
}

// sortCreatedAt asks for oldest orders first.
const sortCreatedAt = "created_at"

type searchResponse struct {
	Orders   []domain.Order `json:"orders"`
	PageInfo pageInfo       `json:"page_info"`
	Cost     *wireCost      `json:"cost"`
}

type pageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}

type wireCost struct {
	Requested      float64         `json:"requested_query_cost"`
	Actual         float64         `json:"actual_query_cost"`
	ThrottleStatus *throttleStatus `json:"throttle_status"`
}

type throttleStatus struct {
	MaximumAvailable   float64 `json:"maximum_available"`
	CurrentlyAvailable float64 `json:"currently_available"`
	RestoreRate        float64 `json:"restore_rate"`
}

type fieldsRequest struct {
	Fields []domain.FieldUpdate `json:"metafields"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

type mutationResponse struct {
	UserErrors []domain.FieldError `json:"user_errors"`
	Cost       *wireCost           `json:"cost"`
}

func (c *wireCost) toDomain(fallback float64) domain.Cost {
	if c == nil {
		return domain.Cost{Requested: fallback, Actual: fallback}
	}
	out := domain.Cost{Requested: c.Requested, Actual: c.Actual}
	if c.ThrottleStatus != nil {
		remaining := c.ThrottleStatus.CurrentlyAvailable
		out.Remaining = &remaining
	}
	return out
}
