// Package auth handles Kiro credentials: the token file format, refresh
// against the IdC and social endpoints, and the interactive login flows.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

// Auth methods stored in the credential file.
const (
	MethodIdC    = "idc"
	MethodSocial = "social"
)

// Credentials mirrors the token file written by Kiro and by our login flows.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ClientIDHash string `json:"clientIdHash,omitempty"`
	Region       string `json:"region,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
}

// LoadCredentials reads a token file. When the file carries only a
// clientIdHash, the client id and secret are merged in from the sibling
// {hash}.json file that the Kiro client keeps next to its token cache.
func LoadCredentials(path string) (*Credentials, error) {
	var creds Credentials
	if err := util.ReadJSON(path, &creds); err != nil {
		return nil, err
	}

	if creds.ClientIDHash != "" && creds.ClientID == "" {
		hashPath := filepath.Join(filepath.Dir(path), creds.ClientIDHash+".json")
		if util.FileExists(hashPath) {
			var sibling struct {
				ClientID     string `json:"clientId"`
				ClientSecret string `json:"clientSecret"`
			}
			if err := util.ReadJSON(hashPath, &sibling); err == nil {
				if creds.ClientID == "" {
					creds.ClientID = sibling.ClientID
				}
				if creds.ClientSecret == "" {
					creds.ClientSecret = sibling.ClientSecret
				}
			}
		}
	}
	return &creds, nil
}

// Save writes the credential file atomically.
func (c *Credentials) Save(path string) error {
	return util.WriteJSONAtomic(path, c)
}

// ExpiryTime parses ExpiresAt. ok is false when the field is absent or
// unparseable.
func (c *Credentials) ExpiryTime() (time.Time, bool) {
	if c.ExpiresAt == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999-07:00"} {
		if t, err := time.Parse(layout, c.ExpiresAt); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsExpired reports whether the access token is past its expiry. A missing
// expiry counts as expired only when the token itself is missing.
func (c *Credentials) IsExpired() bool {
	if c.AccessToken == "" {
		return true
	}
	t, ok := c.ExpiryTime()
	if !ok {
		return false
	}
	return time.Now().After(t)
}

// ExpiresWithin reports whether the token expires inside the next d.
func (c *Credentials) ExpiresWithin(d time.Duration) bool {
	t, ok := c.ExpiryTime()
	if !ok {
		return false
	}
	return time.Until(t) <= d
}

// MachineID derives a stable machine identifier from the account's profile
// ARN and client id, so the same account always presents the same id to the
// upstream. With neither available a random but well-formed id is produced.
func MachineID(profileArn, clientID string) string {
	seed := profileArn + clientID
	if seed == "" {
		seed = uuid.New().String()
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
