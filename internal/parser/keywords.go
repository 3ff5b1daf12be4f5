package parser

import "strings"

// MatchKeywords returns the keywords that occur in the lower-cased text, in the
// order they were configured. Keywords are expected to be lower-case already.
func MatchKeywords(text string, keywords []string) []string {
	if len(keywords) == 0 || text == "" {
		return nil
	}
	lowered := strings.ToLower(text)
	var matched []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lowered, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}
