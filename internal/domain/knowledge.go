package domain

import "strings"

// KnowledgeEntry maps an intent to the response served for it.
type KnowledgeEntry struct {
	Intent           string   `json:"intent"`
	Patterns         []string `json:"patterns,omitempty"`
	ResponseTemplate string   `json:"response_template"`
}

// Validate checks that the entry can be served.
func (e KnowledgeEntry) Validate() error {
	if strings.TrimSpace(e.Intent) == "" {
		return invalid("intent", "must not be empty")
	}
	if strings.TrimSpace(e.ResponseTemplate) == "" {
		return invalid("response_template", "must not be empty for intent %q", e.Intent)
	}
	return nil
}
