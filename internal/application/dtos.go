package application

import (
	"time"

	"github.com/sortline/sortline/internal/domain"
)

// WindowDTO is the API shape of the binding window
type WindowDTO struct {
	MinWaitMs        int64  `json:"minWaitMs"`
	MaxWaitMs        int64  `json:"maxWaitMs"`
	ExceptionChuteID string `json:"exceptionChuteId"`
	Enabled          bool   `json:"enabled"`
}

// NewWindowDTO converts a domain binding window
func NewWindowDTO(w domain.BindingWindow) WindowDTO {
	return WindowDTO{
		MinWaitMs:        w.MinWait.Milliseconds(),
		MaxWaitMs:        w.MaxWait.Milliseconds(),
		ExceptionChuteID: w.ExceptionChuteID,
		Enabled:          w.Enabled,
	}
}

// RuleCacheDTO describes the state of the in-memory rule cache
type RuleCacheDTO struct {
	RuleCount int        `json:"ruleCount"`
	LoadedAt  *time.Time `json:"loadedAt,omitempty"`
	Warm      bool       `json:"warm"`
}

// RulesDTO is the admin view of the active rule set
type RulesDTO struct {
	Rules []domain.SortingRule `json:"rules"`
	Cache RuleCacheDTO         `json:"cache"`
}

// OccupancyDTO reports cumulative assignments per chute
type OccupancyDTO struct {
	Chutes map[string]int64 `json:"chutes"`
}
