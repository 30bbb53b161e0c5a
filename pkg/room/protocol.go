package room

import (
	"fmt"
	"strings"
)

// ConnectPath is the single rendezvous route
const ConnectPath = "/rooms/connect"

// Request is the body of POST /rooms/connect
type Request struct {
	Code         string `json:"code"`
	Password     string `json:"password"`
	Port         int    `json:"port,omitempty"`
	CreatorToken string `json:"creatorToken,omitempty"`
	LocalIP      string `json:"localIp,omitempty"`
}

// Response is what the room server answers on every route. Only OK and Error
// are always present.
type Response struct {
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
	Created      bool      `json:"created,omitempty"`
	Role         int       `json:"role,omitempty"`
	Waiting      bool      `json:"waiting,omitempty"`
	CreatorToken string    `json:"creatorToken,omitempty"`
	YouIP        string    `json:"youIp,omitempty"`
	Room         *RoomInfo `json:"room,omitempty"`
}

// RoomInfo is the public view of a room. Port 0 means the host has not
// finalised it yet.
type RoomInfo struct {
	Code      string `json:"code"`
	IP        string `json:"ip"`
	LocalIP   string `json:"localIp,omitempty"`
	Port      int    `json:"port"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// Host picks the LAN address when the server exposed one
func (r *RoomInfo) Host() string {
	if r == nil {
		return ""
	}
	if r.LocalIP != "" {
		return r.LocalIP
	}
	return r.IP
}

// ServerError is a non-ok answer. Code is the server's error field verbatim,
// or http_<status> when it sent none.
type ServerError struct {
	Status int
	Code   string
}

func (e *ServerError) Error() string {
	return e.Code
}

func newServerError(status int, code string) *ServerError {
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	return &ServerError{Status: status, Code: code}
}

// NormalizeCode upper-cases a room code and strips everything outside A-Z0-9
func NormalizeCode(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TrimBaseURL drops surrounding space and trailing slashes
func TrimBaseURL(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}
