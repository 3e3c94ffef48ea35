package analysis

// Result is the structured evaluation returned by the model.
type Result struct {
	Summary     string      `json:"summary"`
	Quality     Quality     `json:"quality"`
	Suggestions Suggestions `json:"suggestions"`
	// Match is only set when a job description was supplied.
	Match *Match `json:"match,omitempty"`
}

// Quality holds the 0-100 scores of the resume on its own.
type Quality struct {
	OverallScore             int `json:"overallScore"`
	ATSCompatibilityScore    int `json:"atsCompatibilityScore"`
	ClarityStructureScore    int `json:"clarityStructureScore"`
	KeywordOptimizationScore int `json:"keywordOptimizationScore"`
	SkillCoverageScore       int `json:"skillCoverageScore"`
}

type Suggestions struct {
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	QuickTips    []string `json:"quickTips"`
}

// Match compares the resume against one job description.
type Match struct {
	OverallMatchScore     int      `json:"overallMatchScore"`
	KeywordGapScore       int      `json:"keywordGapScore"`
	ATSCompatibilityScore int      `json:"atsCompatibilityScore"`
	SkillCoverageScore    int      `json:"skillCoverageScore"`
	MatchedKeywords       []string `json:"matchedKeywords"`
	MissingKeywords       []string `json:"missingKeywords"`
	Strengths             []string `json:"strengths"`
	Improvements          []string `json:"improvements"`
	QuickTips             []string `json:"quickTips"`
	Summary               string   `json:"summary"`
}

// normalize replaces nil lists with empty ones so the webhook body always
// carries arrays.
func (r *Result) normalize() {
	r.Suggestions.Strengths = nonNil(r.Suggestions.Strengths)
	r.Suggestions.Improvements = nonNil(r.Suggestions.Improvements)
	r.Suggestions.QuickTips = nonNil(r.Suggestions.QuickTips)

	if r.Match == nil {
		return
	}
	r.Match.MatchedKeywords = nonNil(r.Match.MatchedKeywords)
	r.Match.MissingKeywords = nonNil(r.Match.MissingKeywords)
	r.Match.Strengths = nonNil(r.Match.Strengths)
	r.Match.Improvements = nonNil(r.Match.Improvements)
	r.Match.QuickTips = nonNil(r.Match.QuickTips)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
