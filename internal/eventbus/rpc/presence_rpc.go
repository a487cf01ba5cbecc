package rpc

import "encoding/json"

type PresenceParams struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id"`
}

// PresenceRpc reports a viewer joining or leaving a live session
type PresenceRpc struct {
	jsonRpcHead
	Params PresenceParams `json:"params"`
}

func NewViewerJoinedRpc(sessionID, viewerID string) *PresenceRpc {
	return newPresenceRpc(ViewerJoinedMethod, sessionID, viewerID)
}

func NewViewerLeftRpc(sessionID, viewerID string) *PresenceRpc {
	return newPresenceRpc(ViewerLeftMethod, sessionID, viewerID)
}

func newPresenceRpc(method Method, sessionID, viewerID string) *PresenceRpc {
	return &PresenceRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  method,
		},
		Params: PresenceParams{
			SessionID: sessionID,
			ViewerID:  viewerID,
		},
	}
}

func (r PresenceRpc) GetMethod() Method {
	return r.Method
}

func (r PresenceRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type PresenceSnapshotParams struct {
	SessionID string   `json:"session_id"`
	Viewers   []string `json:"viewers"`
}

// PresenceSnapshotRpc is the first message of a presence feed
type PresenceSnapshotRpc struct {
	jsonRpcHead
	Params PresenceSnapshotParams `json:"params"`
}

func NewPresenceSnapshotRpc(sessionID string, viewers []string) *PresenceSnapshotRpc {
	if viewers == nil {
		viewers = []string{}
	}
	return &PresenceSnapshotRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  PresenceSnapshotMethod,
		},
		Params: PresenceSnapshotParams{
			SessionID: sessionID,
			Viewers:   viewers,
		},
	}
}

func (r PresenceSnapshotRpc) GetMethod() Method {
	return r.Method
}

func (r PresenceSnapshotRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
