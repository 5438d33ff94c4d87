package models

import "time"

type AdminLoginRequest struct {
	Password string `json:"password"`
}

// AdminSession is what the admin dashboard sees about its own login.
type AdminSession struct {
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AdminSessionResponse struct {
	Success bool          `json:"success"`
	Session *AdminSession `json:"session"`
}

type SessionListResponse struct {
	Success  bool             `json:"success"`
	Sessions []SessionSummary `json:"sessions"`
}
