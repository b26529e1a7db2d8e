package tokenbridge

import (
	"encoding/json"
	"fmt"
	"time"
)

// Credential is an upstream-issued token set. It is owned exclusively by the
// session it belongs to and never shared across sessions.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
}

func parseCredential(body []byte) (*Credential, error) {
	var cred Credential
	if err := json.Unmarshal(body, &cred); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access token")
	}
	cred.setExpiry(time.Now())
	return &cred, nil
}

func (c *Credential) setExpiry(now time.Time) {
	if c.ExpiresIn > 0 && c.ExpiresAt.IsZero() {
		c.ExpiresAt = now.Add(time.Duration(c.ExpiresIn) * time.Second)
	}
}

// NeedsRefresh reports whether the credential expires within the refresh
// threshold. Credentials without an expiry never need refreshing.
func (c *Credential) NeedsRefresh() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(RefreshThreshold).After(c.ExpiresAt)
}

// Props is the merged identity and credential context attached to a session
// actor. It is created at authorization completion and updated in place when
// the credential refreshes.
type Props struct {
	Subject     string     `json:"subject"`
	Email       string     `json:"email,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Cred        Credential `json:"credential"`
}

// MergeInto overlays only the token fields of c onto p, leaving identity
// fields untouched. An empty rotated refresh token means the upstream kept
// the prior one, so it is preserved.
func (c *Credential) MergeInto(p *Props) {
	prior := p.Cred.RefreshToken
	p.Cred.AccessToken = c.AccessToken
	if c.TokenType != "" {
		p.Cred.TokenType = c.TokenType
	}
	if c.Scope != "" {
		p.Cred.Scope = c.Scope
	}
	if c.RefreshToken != "" {
		p.Cred.RefreshToken = c.RefreshToken
	} else {
		p.Cred.RefreshToken = prior
	}
	p.Cred.ExpiresIn = c.ExpiresIn
	p.Cred.ExpiresAt = c.ExpiresAt
	if c.IDToken != "" {
		p.Cred.IDToken = c.IDToken
	}
}
