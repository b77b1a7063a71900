package model

import "time"

// Project type constants.
const (
	ProjectTypePersonal = "personal"
	ProjectTypeTeam     = "team"
)

// Project groups workflows for ownership and sharing.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidProjectType reports whether t is a known project type.
func ValidProjectType(t string) bool {
	return t == ProjectTypePersonal || t == ProjectTypeTeam
}
