package domain

type Role string

const (
	RoleParent Role = "PARENT"
	RoleTeen   Role = "TEEN"
	RoleChild  Role = "CHILD"
)

// FamilyMember is owned elsewhere; penalties only reference members by ID.
type FamilyMember struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Role        Role   `json:"role"`
}
