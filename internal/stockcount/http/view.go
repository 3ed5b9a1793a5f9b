package stockcounthttp

import (
	"time"

	"github.com/labstock/reagentd/internal/stockcount"
)

// CountView is the JSON representation of a completed count.
type CountView struct {
	ID                      string                              `json:"id"`
	CountDate               time.Time                           `json:"count_date"`
	ReagentUpdatesCompleted bool                                `json:"reagent_updates_completed"`
	ReagentsUpdatedCount    int                                 `json:"reagents_updated_count"`
	ReagentsTotalCount      int                                 `json:"reagents_total_count"`
	Entries                 map[string]stockcount.EntrySnapshot `json:"entries"`
	DraftID                 string                              `json:"draft_id,omitempty"`
	CreatedBy               string                              `json:"created_by"`
	RetryCount              int                                 `json:"retry_count"`
	LastRetryAt             *time.Time                          `json:"last_retry_at,omitempty"`
	LastErrors              []string                            `json:"last_errors"`
	UpdatedAt               time.Time                           `json:"updated_at"`
}

// NewCountView converts a completed count.
func NewCountView(c stockcount.CompletedCount) CountView {
	entries := c.Entries
	if entries == nil {
		entries = map[string]stockcount.EntrySnapshot{}
	}
	lastErrors := c.LastErrors
	if lastErrors == nil {
		lastErrors = []string{}
	}
	return CountView{
		ID:                      c.ID,
		CountDate:               c.CountDate,
		ReagentUpdatesCompleted: c.ReagentUpdatesCompleted,
		ReagentsUpdatedCount:    c.ReagentsUpdatedCount,
		ReagentsTotalCount:      c.ReagentsTotalCount,
		Entries:                 entries,
		DraftID:                 c.DraftID,
		CreatedBy:               c.CreatedBy,
		RetryCount:              c.RetryCount,
		LastRetryAt:             c.LastRetryAt,
		LastErrors:              lastErrors,
		UpdatedAt:               c.UpdatedAt,
	}
}
