package domain

// ContextID identifies an isolated execution context.
type ContextID string

const (
	ContextBackground ContextID = "background"
	ContextContent    ContextID = "content"
	ContextPopup      ContextID = "popup"
)

// Valid reports whether the context id is one of the known contexts.
func (c ContextID) Valid() bool {
	switch c {
	case ContextBackground, ContextContent, ContextPopup:
		return true
	}
	return false
}
