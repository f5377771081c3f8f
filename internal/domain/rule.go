package domain

// MatchingMethod names the matcher strategy a sorting rule dispatches to
type MatchingMethod string

const (
	MatchBarcodeRegex      MatchingMethod = "barcode_regex"
	MatchWeight            MatchingMethod = "weight_match"
	MatchVolume            MatchingMethod = "volume_match"
	MatchOcr               MatchingMethod = "ocr_match"
	MatchApiResponse       MatchingMethod = "api_response_match"
	MatchLowCodeExpression MatchingMethod = "low_code_expression"
	MatchLegacyExpression  MatchingMethod = "legacy_expression"
)

// IsValid checks if the matching method is valid
func (m MatchingMethod) IsValid() bool {
	switch m {
	case MatchBarcodeRegex, MatchWeight, MatchVolume, MatchOcr,
		MatchApiResponse, MatchLowCodeExpression, MatchLegacyExpression:
		return true
	default:
		return false
	}
}

// SortingRule routes a parcel to a chute when its condition matches. Rule
// sets handed to the engine are pre-sorted ascending by Priority; the engine
// trusts that ordering and evaluates first-match-wins.
type SortingRule struct {
	RuleID              string         `bson:"ruleId" json:"ruleId"`
	Priority            int            `bson:"priority" json:"priority"`
	MatchingMethod      MatchingMethod `bson:"matchingMethod" json:"matchingMethod"`
	ConditionExpression string         `bson:"conditionExpression" json:"conditionExpression"`
	TargetChute         string         `bson:"targetChute" json:"targetChute"`
	Enabled             bool           `bson:"enabled" json:"enabled"`
}

// ThirdPartyData carries routing hints supplied by an external WCS/ERP
// system, keyed by field name. OCR and API-response matchers read from it.
type ThirdPartyData map[string]string
