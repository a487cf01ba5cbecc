package rpc

import (
	"encoding/json"
	"time"
)

type LiveStartedParams struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Link           string    `json:"link"`
	Scope          string    `json:"scope"`
	OrganizationID string    `json:"organization_id,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// LiveStartedRpc announces a broadcast to its audience
type LiveStartedRpc struct {
	jsonRpcHead
	Params LiveStartedParams `json:"params"`
}

func NewLiveStartedRpc(params LiveStartedParams) *LiveStartedRpc {
	return &LiveStartedRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  LiveStartedMethod,
		},
		Params: params,
	}
}

func (r LiveStartedRpc) GetMethod() Method {
	return r.Method
}

func (r LiveStartedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
