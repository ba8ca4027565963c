package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the roles issued by the identity provider.
type UserRole string

const (
	RoleAdmin     UserRole = "ADMIN"
	RoleSecretary UserRole = "SECRETARY"
	RoleProfessor UserRole = "PROFESSOR"
	RoleStudent   UserRole = "STUDENT"
)

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}
