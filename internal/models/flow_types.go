// Package models defines flow type definitions to avoid circular imports.
package models

// StateType represents a specific state within a flow
type StateType string

// DataKey represents a key for storing collected session data
type DataKey string

// Universal states shared by every catalog.
const (
	StateIdle           StateType = "IDLE"
	StateMenuShown      StateType = "MENU_SHOWN"
	StateNameCollection StateType = "NAME_COLLECTION"
)

// Reserved data keys written by the engine itself.
const (
	DataKeyName    DataKey = "name"
	DataKeyTotal   DataKey = "total"   // Rendered order total, e.g. "100" or "412.50"
	DataKeyFlow    DataKey = "flow"    // ID of the flow in progress
	DataKeyService DataKey = "service" // Rendered service name of the flow in progress
)

// IsUniversalState reports whether s belongs to every catalog.
func IsUniversalState(s StateType) bool {
	switch s {
	case StateIdle, StateMenuShown, StateNameCollection:
		return true
	default:
		return false
	}
}
