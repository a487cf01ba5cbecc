package rpc

import (
	"encoding/json"
	"errors"
	"io"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	ViewerJoinedMethod     Method = "viewer_joined"
	ViewerLeftMethod       Method = "viewer_left"
	PresenceSnapshotMethod Method = "presence_snapshot"
	LiveStartedMethod      Method = "live_started"
)

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
	ErrMalformedRpc   = errors.New("malformed RPC")
)

type Rpc interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type jsonRpc struct {
	jsonRpcHead
	Params json.RawMessage `json:"params"`
}

func RpcFromReader(reader io.Reader) (Rpc, error) {
	rpc := &jsonRpc{}

	err := json.NewDecoder(reader).Decode(rpc)
	if err != nil {
		return nil, err
	}

	if rpc.Version != jsonRpcVersion {
		return nil, ErrMalformedRpc
	}

	switch rpc.Method {
	case ViewerJoinedMethod, ViewerLeftMethod:
		r := &PresenceRpc{jsonRpcHead: rpc.jsonRpcHead}
		if err := decodeParams(rpc.Params, &r.Params); err != nil {
			return nil, err
		}
		return r, nil
	case PresenceSnapshotMethod:
		r := &PresenceSnapshotRpc{jsonRpcHead: rpc.jsonRpcHead}
		if err := decodeParams(rpc.Params, &r.Params); err != nil {
			return nil, err
		}
		return r, nil
	case LiveStartedMethod:
		r := &LiveStartedRpc{jsonRpcHead: rpc.jsonRpcHead}
		if err := decodeParams(rpc.Params, &r.Params); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, ErrUnknownRpcType
	}
}

func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return ErrMalformedRpc
	}
	return json.Unmarshal(raw, dst)
}
