// Package code encodes and decodes the connection codes players exchange out of
// band (clipboard, chat, invite links) to find each other.
//
// Three generations are understood:
//
//	SNO1:<base64url>   pub=host:port&lan=host:port, no integrity field
//	SNO2:<base64url>   v=2&pub=...&lan=...&sig=<short hash>
//	host:port:secret   plain connection string carrying a pre-shared secret
//
// Only SNO2 and the plain string are produced; SNO1 is decoded for old codes.
package code

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/saintparish4/rendezvous/pkg/types"
)

const (
	PrefixV1 = "SNO1:"
	PrefixV2 = "SNO2:"

	// SignatureBytes is how much of the SHA-256 digest ends up in sig=
	SignatureBytes = 12
)

// Generation tags which encoding a decoded code used
type Generation int

const (
	GenerationV1 Generation = iota + 1
	GenerationV2
	GenerationPlain
)

func (g Generation) String() string {
	switch g {
	case GenerationV1:
		return "SNO1"
	case GenerationV2:
		return "SNO2"
	case GenerationPlain:
		return "plain"
	default:
		return fmt.Sprintf("Generation(%d)", int(g))
	}
}

var (
	ErrEmpty          = errors.New("empty code")
	ErrBadLength      = errors.New("invalid code length")
	ErrBadEncoding    = errors.New("invalid code encoding")
	ErrNoPublic       = errors.New("code is missing a valid public endpoint")
	ErrInvalidSecret  = errors.New("secret must be non-empty and must not contain ':'")
	ErrInvalidConnStr = errors.New("invalid connection string (expected host:port:secret)")
)

// Code is a decoded connection code. LAN is the zero Endpoint when the code
// carried no usable hint. Secret is only set by the plain generation and
// Signature only by SNO2.
type Code struct {
	Generation Generation
	Public     types.Endpoint
	LAN        types.Endpoint
	Secret     string
	Signature  string
}

// HasLAN reports whether the code carried a usable LAN hint
func (c *Code) HasLAN() bool {
	return c.LAN.IsValid()
}

// Invite is what the host knows when it builds a code
type Invite struct {
	Public types.Endpoint
	LAN    types.Endpoint
	Secret string
}

// Encode renders an invite in the newest generation. An invite with a secret
// becomes a plain connection string, anything else an SNO2 code.
func Encode(inv Invite) (string, error) {
	if !inv.Public.IsValid() {
		return "", ErrNoPublic
	}
	if inv.Secret != "" {
		return encodePlain(inv.Public, inv.Secret)
	}
	return encodeV2(inv.Public, inv.LAN), nil
}

func encodePlain(pub types.Endpoint, secret string) (string, error) {
	if secret == "" || strings.Contains(secret, ":") {
		return "", ErrInvalidSecret
	}
	return pub.String() + ":" + secret, nil
}

func encodeV2(pub, lan types.Endpoint) string {
	p := "v=2&pub=" + pub.String()
	if lan.IsValid() {
		p += "&lan=" + lan.String()
	}
	// The signature covers the payload as it stands before sig= is appended.
	p += "&sig=" + Signature(p)
	return PrefixV2 + base64.RawURLEncoding.EncodeToString([]byte(p))
}

// Signature returns the short digest that makes edits to a payload visible in
// the shared string. It is informational only and is never verified.
func Signature(payload string) string {
	h := sha256.Sum256([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h[:SignatureBytes])
}

// Decode parses any supported generation
func Decode(text string) (*Code, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil, ErrEmpty
	}

	switch {
	case strings.HasPrefix(t, PrefixV2):
		return decodePrefixed(GenerationV2, t[len(PrefixV2):])
	case strings.HasPrefix(t, PrefixV1):
		return decodePrefixed(GenerationV1, t[len(PrefixV1):])
	default:
		return decodePlain(t)
	}
}

func decodePrefixed(gen Generation, body string) (*Code, error) {
	b64 := strings.TrimSpace(body)
	if b64 == "" {
		return nil, ErrEmpty
	}

	// Restore the padding the encoder stripped.
	switch len(b64) % 4 {
	case 0:
	case 2:
		b64 += "=="
	case 3:
		b64 += "="
	default:
		return nil, ErrBadLength
	}

	data, err := base64.URLEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}

	out := &Code{Generation: gen}
	var pubErr error
	pubSeen := false

	for _, part := range strings.Split(string(data), "&") {
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			continue
		}
		k, v := part[:eq], part[eq+1:]
		switch k {
		case "pub":
			pubSeen = true
			out.Public, pubErr = types.ParseEndpoint(v)
		case "lan":
			// An unusable LAN hint is dropped, not fatal.
			if lan, err := types.ParseEndpoint(v); err == nil {
				out.LAN = lan
			}
		case "sig":
			if gen == GenerationV2 {
				out.Signature = v
			}
		}
	}

	if pubErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPublic, pubErr)
	}
	if !pubSeen || !out.Public.IsValid() {
		return nil, ErrNoPublic
	}
	return out, nil
}

func decodePlain(t string) (*Code, error) {
	lastColon := strings.LastIndexByte(t, ':')
	if lastColon <= 0 || lastColon+1 >= len(t) {
		return nil, ErrInvalidConnStr
	}

	secret := t[lastColon+1:]
	pub, err := types.ParseEndpoint(t[:lastColon])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConnStr, err)
	}

	return &Code{
		Generation: GenerationPlain,
		Public:     pub,
		Secret:     secret,
	}, nil
}
