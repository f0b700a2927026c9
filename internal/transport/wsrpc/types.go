package wsrpc

import "github.com/paxoscore/consensus/internal/paxos"

// newRequestFor and newResponseFor map an RPC method name to a fresh
// pointer of its wire struct, the one place wsrpc needs to know the
// concrete paxos message types (everywhere else it only sees `any`).
func newRequestFor(method string) (any, bool) {
	switch method {
	case paxos.MethodPrepare:
		return &paxos.PrepareReq{}, true
	case paxos.MethodAccept:
		return &paxos.AcceptReq{}, true
	case paxos.MethodConfirm:
		return &paxos.ConfirmReq{}, true
	case paxos.MethodPing:
		return &paxos.PingReq{}, true
	case paxos.MethodChangeMember:
		return &paxos.ChangeMemberReq{}, true
	case paxos.MethodElectionConfirm:
		return &paxos.ElectionConfirmReq{}, true
	default:
		return nil, false
	}
}

func newResponseFor(method string) (any, bool) {
	switch method {
	case paxos.MethodPrepare:
		return &paxos.PrepareResp{}, true
	case paxos.MethodAccept:
		return &paxos.AcceptResp{}, true
	case paxos.MethodConfirm:
		return nil, false // fire-and-forget, no response payload
	case paxos.MethodPing:
		return &paxos.PongResp{}, true
	case paxos.MethodChangeMember:
		return nil, false
	case paxos.MethodElectionConfirm:
		return nil, false // fire-and-forget, no response payload
	default:
		return nil, false
	}
}

// derefRequest dereferences the pointer newRequestFor/newResponseFor
// returned, so handlers and callers see the plain struct value the rest
// of the codebase's type assertions (payload.(paxos.PrepareReq)) expect.
func derefRequest(ptr any) any {
	switch p := ptr.(type) {
	case *paxos.PrepareReq:
		return *p
	case *paxos.PrepareResp:
		return *p
	case *paxos.AcceptReq:
		return *p
	case *paxos.AcceptResp:
		return *p
	case *paxos.ConfirmReq:
		return *p
	case *paxos.PingReq:
		return *p
	case *paxos.PongResp:
		return *p
	case *paxos.ChangeMemberReq:
		return *p
	case *paxos.ElectionConfirmReq:
		return *p
	default:
		return ptr
	}
}
