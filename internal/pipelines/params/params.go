// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire types exchanged with the
// orchestration service.
package params

// Agent status values reported by the orchestration service.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Pool is a named grouping of agents jobs are scheduled against.
type Pool struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// AgentRequest is the job request currently assigned to an agent.
type AgentRequest struct {
	RequestID int64  `json:"requestId"`
	PlanType  string `json:"planType"`
	Result    string `json:"result"`
}

// Agent is a registered worker in a pool.
type Agent struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Enabled bool   `json:"enabled"`

	// AssignedRequest is only populated when the listing asks for
	// it. The service has been seen to encode "no assigned request"
	// as an absent field, an explicit null, and an empty object;
	// the zero RequestID covers all three.
	AssignedRequest *AgentRequest `json:"assignedRequest,omitempty"`
}

// Idle reports whether the agent has no meaningful assigned request.
func (a Agent) Idle() bool {
	return a.AssignedRequest == nil || a.AssignedRequest.RequestID == 0
}

// CountList is the service's standard list envelope.
type CountList[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}
