package broker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// flowState is the authorization request carried opaquely through the
// redirect dance. It is immutable once issued and consumed exactly once by
// the callback step; nothing here is a secret, but the callback refuses
// anything it cannot decode.
type flowState struct {
	FlowID        string `json:"fid"`
	ClientID      string `json:"cid"`
	RedirectURI   string `json:"ruri"`
	Scope         string `json:"scope,omitempty"`
	State         string `json:"state,omitempty"`
	CodeChallenge string `json:"cc,omitempty"`
}

func newFlowState(clientID, redirectURI, scope, state, codeChallenge string) flowState {
	return flowState{
		FlowID:        uuid.NewString(),
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		State:         state,
		CodeChallenge: codeChallenge,
	}
}

func (s flowState) encode() string {
	b, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeFlowState(raw string) (flowState, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return flowState{}, fmt.Errorf("decode state: %w", err)
	}
	var s flowState
	if err := json.Unmarshal(b, &s); err != nil {
		return flowState{}, fmt.Errorf("decode state: %w", err)
	}
	if s.ClientID == "" || s.RedirectURI == "" {
		return flowState{}, fmt.Errorf("state is missing required fields")
	}
	return s, nil
}
