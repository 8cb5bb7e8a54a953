package wire

import (
	"fmt"

	"github.com/dreamware/keyshard/internal/cluster"
)

// Kind identifies a message type.
type Kind uint8

const (
	KindInvalid Kind = iota
	// KindRegister announces a shard server's address to the master.
	KindRegister
	// KindPut stores Value under Key.
	KindPut
	// KindGet reads Key.
	KindGet
	// KindAck is a successful response. Its fields depend on the request.
	KindAck
	// KindRedirect names the owner of Key in Addr.
	KindRedirect
	// KindError carries an ErrorKind in Code.
	KindError
	// KindDeregister marks ServerID unreachable at the master.
	KindDeregister
	// KindLocate asks the master for the owner of Key.
	KindLocate
	// KindMembers asks the master for a registry snapshot.
	KindMembers
	// KindPing is a liveness probe answered with an empty ACK.
	KindPing

	maxKind = KindPing
)

var kindNames = [...]string{
	KindInvalid:    "INVALID",
	KindRegister:   "REGISTER",
	KindPut:        "PUT",
	KindGet:        "GET",
	KindAck:        "ACK",
	KindRedirect:   "REDIRECT",
	KindError:      "ERROR",
	KindDeregister: "DEREGISTER",
	KindLocate:     "LOCATE",
	KindMembers:    "MEMBERS",
	KindPing:       "PING",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Message is the single envelope for every request and response. Which
// fields are meaningful depends on Kind:
//
//	REGISTER    Addr
//	PUT         Key, Value, Epoch
//	GET         Key, Epoch
//	LOCATE      Key
//	DEREGISTER  ServerID
//	ACK         Version, Value (GET); ServerID, Members, Epoch (REGISTER);
//	            Addr, ServerID, Epoch (LOCATE); Members, Epoch (MEMBERS)
//	REDIRECT    Key, Addr, Epoch
//	ERROR       Code
type Message struct {
	Value    []byte
	Addr     string
	Members  []cluster.ShardRecord
	Key      int64
	Epoch    uint64
	Version  uint64
	ServerID uint64
	Kind     Kind
	Code     ErrorKind

	// HasKey distinguishes key 0 from an absent key.
	HasKey bool
}

// Ack builds an empty acknowledgement.
func Ack() Message { return Message{Kind: KindAck} }

// ErrorReply builds an ERROR response for the given kind.
func ErrorReply(code ErrorKind) Message { return Message{Kind: KindError, Code: code} }

// Redirect builds a REDIRECT naming the owner of key.
func Redirect(key int64, addr string, epoch uint64) Message {
	return Message{Kind: KindRedirect, Key: key, HasKey: true, Addr: addr, Epoch: epoch}
}

// Snapshot returns the membership carried by the message.
func (m Message) Snapshot() cluster.Snapshot {
	return cluster.Snapshot{Epoch: m.Epoch, Records: m.Members}
}

// Err converts an ERROR frame to its ErrorKind. Other kinds return nil.
func (m Message) Err() error {
	if m.Kind != KindError {
		return nil
	}
	if m.Code == ErrNone {
		return ErrInternal
	}
	return m.Code
}

func (m Message) String() string {
	switch m.Kind {
	case KindPut, KindGet, KindLocate:
		return fmt.Sprintf("%s key=%d epoch=%d", m.Kind, m.Key, m.Epoch)
	case KindRedirect:
		return fmt.Sprintf("%s key=%d -> %s", m.Kind, m.Key, m.Addr)
	case KindError:
		return fmt.Sprintf("%s %v", m.Kind, m.Code)
	case KindRegister:
		return fmt.Sprintf("%s %s", m.Kind, m.Addr)
	default:
		return m.Kind.String()
	}
}
