// Package protocol defines the wire messages exchanged between a
// Sheriff and its deputies over the transport abstraction: DeputyInfo,
// Orders, Discovery, and (front-end-only) Output. The envelope/payload
// split mirrors the teacher's WebSocket protocol package so every
// message type can be dispatched on a string tag before its payload is
// parsed.
package protocol

import "encoding/json"

// Channel names, unchanged from spec.md §6.
const (
	ChannelInfo     = "PM_INFO"
	ChannelOrders   = "PM_ORDERS"
	ChannelDiscover = "PM_DISCOVER"
	ChannelOutput   = "PM_OUTPUT"
)

// Message is the envelope for every transport payload.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage builds an envelope around a typed payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the envelope's payload into target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types, one per spec.md §6 payload.
const (
	TypeDeputyInfo = "deputy_info"
	TypeOrders     = "orders"
	TypeDiscovery  = "discovery"
	TypeOutput     = "output"
)

// CommandSpecWire is the wire form of model.CommandSpec.
type CommandSpecWire struct {
	ExecStr         string `json:"exec_str"`
	CommandID       string `json:"command_id"`
	Group           string `json:"group"`
	AutoRespawn     bool   `json:"auto_respawn"`
	StopSignal      int    `json:"stop_signal"`
	StopTimeAllowed int    `json:"stop_time_allowed"`
}

// DeputyInfoCommand is one command's actual-state report inside a
// DeputyInfo message.
type DeputyInfoCommand struct {
	Spec       CommandSpecWire `json:"spec"`
	ActualRuns uint32          `json:"actual_runid"`
	Pid        int             `json:"pid"`
	ExitCode   int             `json:"exit_code"`
	TermSignal int             `json:"term_signal"`
	CPUUsage   float64         `json:"cpu_usage"`
	MemVsize   uint64          `json:"mem_vsize"`
	MemRss     uint64          `json:"mem_rss"`
}

// DeputyInfo is the periodic actual-state report a deputy publishes on
// ChannelInfo.
type DeputyInfo struct {
	SendMicros   int64               `json:"send_micros"`
	DeputyID     string              `json:"deputy_id"`
	CPULoad      float64             `json:"cpu_load"`
	PhysMemTotal uint64              `json:"phys_mem_total"`
	PhysMemFree  uint64              `json:"phys_mem_free"`
	Cmds         []DeputyInfoCommand `json:"cmds"`
}

// OrdersCommand is one command's desired-state entry inside an Orders
// message.
type OrdersCommand struct {
	Spec         CommandSpecWire `json:"spec"`
	DesiredRunID uint32          `json:"desired_runid"`
	ForceQuit    bool            `json:"force_quit"`
}

// Orders is the Sheriff's desired-state broadcast, published on
// ChannelOrders, addressed to a single deputy.
type Orders struct {
	SendMicros int64           `json:"send_micros"`
	DeputyID   string          `json:"deputy_id"`
	SheriffID  string          `json:"sheriff_id"`
	Cmds       []OrdersCommand `json:"cmds"`
}

// Discovery is broadcast once at Sheriff startup on ChannelDiscover to
// elicit immediate DeputyInfo replies.
type Discovery struct {
	SendMicros    int64  `json:"send_micros"`
	TransmitterID string `json:"transmitter_id"`
	Nonce         uint32 `json:"nonce"`
}

// Output carries one line of a command's stdout/stderr, consumed only by
// front-ends (GUI/CLI), never by the Sheriff.
type Output struct {
	DeputyID  string `json:"deputy_id"`
	CommandID string `json:"command_id"`
	Stream    string `json:"stream"` // "stdout" or "stderr"
	Data      string `json:"data"`
}
