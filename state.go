package l2lv

import (
	"fmt"

	"gosuda.org/l2lv/internal/protocol"
)

// Role is fixed when a link is built and decides how its channels behave.
type Role uint8

const (
	RoleServer Role = iota // Answers OPEN_REQ, announces restarts with SERVER_INIT
	RoleClient             // Opens channels and may wait for acknowledgements
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ChannelState is the state of one channel. A channel on a client link always
// holds a ClientState and a channel on a server link always holds a ServerState.
type ChannelState interface {
	fmt.Stringer
	Role() Role
	// Ready reports whether data may be sent.
	Ready() bool
}

//go:generate go tool stringer -type=ClientState -trimprefix=Client
type ClientState uint8

const (
	ClientUninitialized ClientState = iota // Added but never opened
	ClientOffline                          // OPEN_REQ sent, waiting for OPEN_ACK
	ClientReady                            // Open, idle
	ClientReqData                          // Data sent, waiting for the server's answer
	ClientUnavail                          // Closed by the local user
)

func (s ClientState) Role() Role { return RoleClient }

func (s ClientState) Ready() bool { return s == ClientReady }

//go:generate go tool stringer -type=ServerState -trimprefix=Server
type ServerState uint8

const (
	ServerUninitialized ServerState = iota // Added but never opened
	ServerOffline                          // SERVER_INIT announced, waiting for OPEN_REQ
	ServerReady                            // Open
	ServerUnavail                          // Closed by the local user
)

func (s ServerState) Role() Role { return RoleServer }

func (s ServerState) Ready() bool { return s == ServerReady }

func initialState(r Role) ChannelState {
	if r == RoleClient {
		return ClientUninitialized
	}
	return ServerUninitialized
}

func offlineState(r Role) ChannelState {
	if r == RoleClient {
		return ClientOffline
	}
	return ServerOffline
}

func unavailState(r Role) ChannelState {
	if r == RoleClient {
		return ClientUnavail
	}
	return ServerUnavail
}

// MsgType identifies the payload of a frame. MsgSync is reserved.
type MsgType = protocol.MsgType

// MsgSync is the reserved type of state machine frames.
const MsgSync = protocol.MsgSync

// SyncEvent is carried by SYNC frames.
type SyncEvent = protocol.SyncEvent

const (
	SyncOpenReq    = protocol.SyncOpenReq
	SyncOpenAck    = protocol.SyncOpenAck
	SyncServerInit = protocol.SyncServerInit
)

// MaxPayloadSize is the largest payload a single Send carries.
const MaxPayloadSize = protocol.MaxPayloadSize
