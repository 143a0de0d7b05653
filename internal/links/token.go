package links

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const tokenVersion = "v1"

// Token kinds bind a token to its use so a view token cannot redeem a download.
const (
	kindView     = "view"
	kindDownload = "dl"
)

type claims struct {
	Kind      string
	ProductID string
	OrderID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// LinkID is set on download tokens only.
	LinkID string
}

// signer produces and verifies compact HMAC-SHA256 tokens:
// base64url(payload) "." base64url(mac).
type signer struct {
	secret []byte
}

func (s signer) sign(c claims) string {
	payload := strings.Join([]string{
		tokenVersion,
		c.Kind,
		c.ProductID,
		c.OrderID,
		strconv.FormatInt(c.IssuedAt.Unix(), 10),
		strconv.FormatInt(c.ExpiresAt.Unix(), 10),
		c.LinkID,
	}, "|")

	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + base64.RawURLEncoding.EncodeToString(s.mac(encoded))
}

func (s signer) mac(encodedPayload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(encodedPayload))
	return m.Sum(nil)
}

// parse verifies the signature and decodes the claims. Expiry is checked by the caller.
func (s signer) parse(token string) (claims, error) {
	encoded, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encoded == "" || sig == "" {
		return claims{}, fmt.Errorf("malformed token")
	}

	gotMAC, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return claims{}, fmt.Errorf("malformed signature")
	}
	if !hmac.Equal(gotMAC, s.mac(encoded)) {
		return claims{}, fmt.Errorf("signature mismatch")
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return claims{}, fmt.Errorf("malformed payload")
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 7 || parts[0] != tokenVersion {
		return claims{}, fmt.Errorf("unsupported token payload")
	}

	issued, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return claims{}, fmt.Errorf("malformed issue time")
	}
	expires, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return claims{}, fmt.Errorf("malformed expiry")
	}

	return claims{
		Kind:      parts[1],
		ProductID: parts[2],
		OrderID:   parts[3],
		IssuedAt:  time.Unix(issued, 0).UTC(),
		ExpiresAt: time.Unix(expires, 0).UTC(),
		LinkID:    parts[6],
	}, nil
}
