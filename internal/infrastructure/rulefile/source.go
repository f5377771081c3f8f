// Package rulefile loads sorting rules from a YAML file. It backs lines
// that run without a rule database, and local development.
package rulefile

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/pkg/logging"
)

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	RuleID              string `yaml:"ruleId"`
	Priority            int    `yaml:"priority"`
	MatchingMethod      string `yaml:"matchingMethod"`
	ConditionExpression string `yaml:"conditionExpression"`
	TargetChute         string `yaml:"targetChute"`
	Enabled             *bool  `yaml:"enabled"`
}

// Source implements domain.RuleSource on a YAML file. The file is re-read
// on every load; the rule cache in front of it decides how often that
// happens.
type Source struct {
	path   string
	logger *logging.Logger
}

// NewSource creates a file-backed rule source
func NewSource(path string, logger *logging.Logger) *Source {
	return &Source{path: path, logger: logger.WithComponent("rulefile")}
}

// LoadEnabledRulesOrderedByPriority parses the file and returns enabled
// rules sorted by ascending priority
func (s *Source) LoadEnabledRulesOrderedByPriority(ctx context.Context) ([]domain.SortingRule, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	ruleSet := make([]domain.SortingRule, 0, len(file.Rules))
	for i, entry := range file.Rules {
		method := domain.MatchingMethod(entry.MatchingMethod)
		if !method.IsValid() {
			s.logger.Warn("Skipping rule with unknown matching method",
				"ruleId", entry.RuleID,
				"matchingMethod", entry.MatchingMethod,
			)
			continue
		}
		// Enabled defaults to true when omitted
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}

		ruleID := entry.RuleID
		if ruleID == "" {
			ruleID = fmt.Sprintf("file-rule-%d", i)
		}

		ruleSet = append(ruleSet, domain.SortingRule{
			RuleID:              ruleID,
			Priority:            entry.Priority,
			MatchingMethod:      method,
			ConditionExpression: entry.ConditionExpression,
			TargetChute:         entry.TargetChute,
			Enabled:             true,
		})
	}

	sort.SliceStable(ruleSet, func(i, j int) bool {
		return ruleSet[i].Priority < ruleSet[j].Priority
	})

	s.logger.Info("Loaded sorting rules from file", "path", s.path, "count", len(ruleSet))
	return ruleSet, nil
}
