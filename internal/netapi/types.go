// Package netapi defines the request/response contract between the
// unprivileged orchestrator and the privileged network daemon.
package netapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	ProtocolVersion = "v1"
	ServiceName     = "labforge.netd.v1.NetworkService"

	AllocateProcedure = "/" + ServiceName + "/Allocate"
	ReleaseProcedure  = "/" + ServiceName + "/Release"
	StatusProcedure   = "/" + ServiceName + "/Status"
)

type LeaseState string

const (
	LeaseAllocated LeaseState = "allocated"
	LeaseReleased  LeaseState = "released"
)

// Lease is the set of host network devices bound to one lab.
type Lease struct {
	LabID        string     `json:"lab_id"`
	Bridge       string     `json:"bridge"`
	Device       string     `json:"device"`
	GuestIP      string     `json:"guest_ip"`
	GatewayIP    string     `json:"gateway_ip"`
	PrefixLength int        `json:"prefix_length"`
	GuestMAC     string     `json:"guest_mac"`
	State        LeaseState `json:"state"`
	AllocatedAt  time.Time  `json:"allocated_at"`
}

// Ref is the value persisted as a lab's network lease reference.
func (l Lease) Ref() string {
	return l.LabID
}

type AllocateRequest struct {
	LabID string `json:"lab_id"`
}

type AllocateResponse struct {
	Lease Lease `json:"lease"`
}

type ReleaseRequest struct {
	LabID string `json:"lab_id"`
}

type ReleaseResponse struct {
	Released bool `json:"released"`
}

type StatusRequest struct {
	LabID string `json:"lab_id"`
}

type StatusResponse struct {
	Lease Lease `json:"lease"`
}

var ErrMissingLabID = errors.New("missing lab_id")

func ValidateLabID(labID string) error {
	if strings.TrimSpace(labID) == "" {
		return ErrMissingLabID
	}
	return nil
}

// Codec is the connect codec used on both sides of the daemon socket.
type Codec struct{}

func (Codec) Name() string {
	return "json"
}

func (Codec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (Codec) Unmarshal(data []byte, message any) error {
	return json.Unmarshal(data, message)
}
