// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package health

import (
	"encoding/json"

	"github.com/gabzou364/wgpanel/internal/panel/agentclient"
)

// Record is the merged per-node health document persisted in
// Node.HealthJSON. Status is the discriminator: "online" records carry the
// probe results, "offline" and "error" records carry only the failure
// detail.
type Record struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	Health *agentclient.HealthReport  `json:"health,omitempty"`
	WGDump *agentclient.InterfaceDump `json:"wg_dump,omitempty"`

	// Report is the raw /v1/status document. The panel reads a few
	// well-known fields out of it (system.cpu_percent, system.memory) and
	// passes the rest through untouched.
	Report map[string]json.RawMessage `json:"report,omitempty"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

// ParseRecord decodes a node's health_json column. A missing or malformed
// document yields a zero Record, never an error: health data is advisory.
func ParseRecord(healthJSON []byte) Record {
	var record Record
	if len(healthJSON) == 0 {
		return record
	}
	if err := json.Unmarshal(healthJSON, &record); err != nil {
		return Record{}
	}
	return record
}

// ActivePeers returns the peer count from the most recent dump, 0 if
// unknown.
func (r Record) ActivePeers() int {
	if r.WGDump == nil {
		return 0
	}
	return len(r.WGDump.Peers)
}

// SystemMetrics extracts cpu and memory utilization from the raw status
// report. The ok flags distinguish "0%" from "unknown".
func (r Record) SystemMetrics() (cpuPercent float64, cpuOK bool, memPercent float64, memOK bool) {
	raw, exists := r.Report["system"]
	if !exists {
		return 0, false, 0, false
	}
	var system struct {
		CPUPercent *float64 `json:"cpu_percent"`
		Memory     *struct {
			Percent *float64 `json:"percent"`
		} `json:"memory"`
	}
	if err := json.Unmarshal(raw, &system); err != nil {
		return 0, false, 0, false
	}
	if system.CPUPercent != nil {
		cpuPercent, cpuOK = *system.CPUPercent, true
	}
	if system.Memory != nil && system.Memory.Percent != nil {
		memPercent, memOK = *system.Memory.Percent, true
	}
	return cpuPercent, cpuOK, memPercent, memOK
}
