package model

// Service status constants.
const (
	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusError    = "error"
)

// ValidStatus reports whether s is one of the known status values.
func ValidStatus(s string) bool {
	switch s {
	case StatusInactive, StatusActive, StatusError:
		return true
	}
	return false
}
