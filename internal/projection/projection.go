// Package projection derives per-user token views by layering annotation
// facts over the immutable original tokens. Everything here is pure; the
// service feeds it rows from the store.
package projection

import "lexiform/api/internal/store"

// State is the tri-state of a token's correction for one user.
type State int

const (
	// Unset means no replacement annotation exists; the original value
	// stands.
	Unset State = iota
	// Suggested means a cascaded replacement is pending acceptance.
	Suggested
	// Accepted means an authoritative replacement exists. Accepted with
	// an empty value means the token was removed.
	Accepted
)

// TokenView is one token as a single user sees it.
type TokenView struct {
	TokenID      string   `json:"tokenId"`
	Index        int      `json:"index"`
	Original     string   `json:"original"`
	CurrentValue string   `json:"currentValue"`
	State        State    `json:"state"`
	Removed      bool     `json:"removed"`
	Tags         []string `json:"tags"`
}

// UserView is one text as a single user sees it.
type UserView struct {
	UserID string      `json:"userId"`
	Tokens []TokenView `json:"tokens"`
	Flags  []string    `json:"flags"`
	Saved  bool        `json:"saved"`
}

// Project layers annotations over a token sequence for every user that
// has at least one annotation on the text. Users without annotations do
// not appear; callers that need them add empty views themselves.
func Project(tokens []store.Token, annotations []store.Annotation) map[string]UserView {
	byUser := make(map[string][]store.Annotation)
	for _, a := range annotations {
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}

	views := make(map[string]UserView, len(byUser))
	for userID, userAnnotations := range byUser {
		views[userID] = ProjectUser(userID, tokens, userAnnotations)
	}
	return views
}

// ProjectUser builds the view of one user. annotations must already be
// filtered to that user.
func ProjectUser(userID string, tokens []store.Token, annotations []store.Annotation) UserView {
	replacements := make(map[string]store.Annotation)
	tags := make(map[string][]string)
	var flags []string
	saved := false

	for _, a := range annotations {
		switch a.Type {
		case store.AnnotationReplacement:
			replacements[a.TokenID] = a
		case store.AnnotationTag:
			tags[a.TokenID] = append(tags[a.TokenID], a.Value)
		case store.AnnotationFlag:
			flags = append(flags, a.Value)
		case store.AnnotationSave:
			saved = true
		}
	}

	views := make([]TokenView, 0, len(tokens))
	for _, token := range tokens {
		view := TokenView{
			TokenID:      token.ID,
			Index:        token.Index,
			Original:     token.Value,
			CurrentValue: token.Value,
			State:        Unset,
			Tags:         tags[token.ID],
		}
		if view.Tags == nil {
			view.Tags = []string{}
		}
		if replacement, ok := replacements[token.ID]; ok {
			view.CurrentValue = replacement.Value
			if replacement.Suggestion {
				view.State = Suggested
			} else {
				view.State = Accepted
				view.Removed = replacement.Value == ""
			}
		}
		views = append(views, view)
	}

	if flags == nil {
		flags = []string{}
	}
	return UserView{UserID: userID, Tokens: views, Flags: flags, Saved: saved}
}

// CurrentValues flattens a user view into the token value sequence the
// consensus engine consumes.
func CurrentValues(view UserView) []string {
	values := make([]string, len(view.Tokens))
	for i, token := range view.Tokens {
		values[i] = token.CurrentValue
	}
	return values
}
