// Package gobcodec is the default codec.Codec, built on encoding/gob
// (stdlib — see DESIGN.md for why no pack dependency covers this concern
// better for an all-Go, closed set of wire types).
package gobcodec

import (
	"bytes"
	"encoding/gob"

	"github.com/paxoscore/consensus/internal/paxos"
)

func init() {
	gob.Register(paxos.PrepareReq{})
	gob.Register(paxos.PrepareResp{})
	gob.Register(paxos.AcceptReq{})
	gob.Register(paxos.AcceptResp{})
	gob.Register(paxos.ConfirmReq{})
	gob.Register(paxos.PingReq{})
	gob.Register(paxos.PongResp{})
	gob.Register(paxos.ChangeMemberReq{})
	gob.Register(paxos.ElectionConfirmReq{})
}

// Codec is a gob-backed codec.Codec. It is safe for concurrent use: each
// call constructs its own encoder/decoder over a fresh buffer.
type Codec struct{}

// New returns a ready-to-use gob Codec.
func New() *Codec { return &Codec{} }

func (Codec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Codec) Decode(data []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}
