package models

// User is the signed-in account as reported by the identity provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
