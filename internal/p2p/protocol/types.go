package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
)

// Name identifies one channel protocol.
type Name string

const (
	Setup         Name = "setup"
	Propose       Name = "propose"
	Install       Name = "install"
	RejectInstall Name = "rejectInstall"
	Uninstall     Name = "uninstall"
	TakeAction    Name = "takeAction"
	Update        Name = "update"
	Withdraw      Name = "withdraw"
	Sync          Name = "sync"
)

var validNames = map[Name]struct{}{
	Setup:         {},
	Propose:       {},
	Install:       {},
	RejectInstall: {},
	Uninstall:     {},
	TakeAction:    {},
	Update:        {},
	Withdraw:      {},
	Sync:          {},
}

// Valid reports whether n is a known protocol.
func (n Name) Valid() bool {
	_, ok := validNames[n]
	return ok
}

// UnassignedSeqNo marks a terminal reply that needs no further routing.
const UnassignedSeqNo = -1

// FirstSeqNo is the sequence number of the message opening a protocol run.
const FirstSeqNo = 1

// Message is the envelope exchanged between the two channel owners.
type Message struct {
	ProcessID  string           `json:"process_id"`
	Protocol   Name             `json:"protocol"`
	Seq        int              `json:"seq"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Params     json.RawMessage  `json:"params,omitempty"`
	Commitment string           `json:"commitment,omitempty"` // hex digest covered by Signatures
	Signatures []string         `json:"signatures,omitempty"` // base64 signatures, sender first
	Snapshot   *channel.Channel `json:"snapshot,omitempty"`
	Error      *WireError       `json:"error,omitempty"`
}

// IsReply reports whether the message is a terminal reply.
func (m Message) IsReply() bool {
	return m.Seq == UnassignedSeqNo
}

// ValidateBasic checks required envelope fields.
func (m Message) ValidateBasic() error {
	if strings.TrimSpace(m.ProcessID) == "" {
		return errors.New("process_id is required")
	}
	if !m.Protocol.Valid() {
		return Errorf(KindUnknownProtocol, "unsupported protocol: %s", m.Protocol)
	}
	if strings.TrimSpace(m.From) == "" {
		return errors.New("from is required")
	}
	if strings.TrimSpace(m.To) == "" {
		return errors.New("to is required")
	}
	if m.Seq != UnassignedSeqNo && m.Seq < FirstSeqNo {
		return fmt.Errorf("invalid seq: %d", m.Seq)
	}
	if !m.IsReply() && len(m.Params) == 0 {
		return errors.New("params are required")
	}
	return nil
}

// Reply builds the terminal reply to m.
func (m Message) Reply() Message {
	return Message{
		ProcessID: m.ProcessID,
		Protocol:  m.Protocol,
		Seq:       UnassignedSeqNo,
		From:      m.To,
		To:        m.From,
	}
}

// DecodedParams decodes the message params for its protocol.
func (m Message) DecodedParams() (Params, error) {
	return DecodeParams(m.Protocol, m.Params)
}
