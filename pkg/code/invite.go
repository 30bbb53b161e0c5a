package code

import (
	"errors"
	"net/url"
	"strings"
)

const (
	// InviteScheme is the URI scheme the front-end registers for deep links
	InviteScheme = "snesonline"

	inviteHost = "join"
)

var ErrNotInvite = errors.New("not an invite link")

// InviteLink wraps a code in a join deep link
func InviteLink(code string) string {
	u := url.URL{
		Scheme:   InviteScheme,
		Host:     inviteHost,
		RawQuery: url.Values{"code": {code}}.Encode(),
	}
	return u.String()
}

// ParseInviteLink extracts the code from a join deep link. Scheme and host
// compare case-insensitively.
func ParseInviteLink(link string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", ErrNotInvite
	}
	if !strings.EqualFold(u.Scheme, InviteScheme) || !strings.EqualFold(u.Host, inviteHost) {
		return "", ErrNotInvite
	}

	c := strings.TrimSpace(u.Query().Get("code"))
	if c == "" {
		return "", ErrEmpty
	}
	return c, nil
}
