package models

import "time"

// UserType tags the identity category of a user.
type UserType string

// UserTypeAnonymous is the only identity category issued in v1.
const UserTypeAnonymous UserType = "anonymous"

// User is an API identity. Anonymous users are minted on first token request.
type User struct {
	ID        string    `db:"id" json:"user_id"`
	Type      UserType  `db:"type" json:"type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
