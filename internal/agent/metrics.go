// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package agent

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gatherMetrics builds a fresh registry per scrape so every series reflects
// the live wg state instead of a cached counter.
func (s *Server) gatherMetrics() ([]*dto.MetricFamily, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()

	cpuPercent := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wgagent_cpu_percent",
		Help: "CPU usage percentage",
	})
	memUsed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wgagent_memory_used_bytes",
		Help: "Memory used in bytes",
	})
	memPercent := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wgagent_memory_percent",
		Help: "Memory usage percentage",
	})
	diskUsed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wgagent_disk_used_bytes",
		Help: "Disk used in bytes",
	})
	ifaceCount := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wireguard_interface_count",
		Help: "Number of WireGuard interfaces",
	})
	peersTotal := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wireguard_peers_total",
		Help: "Total number of peers on interface",
	}, []string{"interface"})
	peersActive := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wireguard_peers_active",
		Help: "Active peers (handshake within 3 minutes)",
	}, []string{"interface"})
	ifaceRx := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wireguard_interface_receive_bytes_total",
		Help: "Total bytes received on interface",
	}, []string{"interface"})
	ifaceTx := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wireguard_interface_transmit_bytes_total",
		Help: "Total bytes transmitted on interface",
	}, []string{"interface"})
	peerRx := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wireguard_peer_receive_bytes_total",
		Help: "Bytes received from peer",
	}, []string{"interface", "public_key"})
	peerTx := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wireguard_peer_transmit_bytes_total",
		Help: "Bytes transmitted to peer",
	}, []string{"interface", "public_key"})
	peerHandshake := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wireguard_peer_last_handshake_seconds",
		Help: "Seconds since the peer's last handshake",
	}, []string{"interface", "public_key"})

	reg.MustRegister(cpuPercent, memUsed, memPercent, diskUsed, ifaceCount,
		peersTotal, peersActive, ifaceRx, ifaceTx, peerRx, peerTx, peerHandshake)

	system := readSystemStatus(ctx)
	cpuPercent.Set(system.CPUPercent)
	memUsed.Set(float64(system.Memory.Used))
	memPercent.Set(system.Memory.Percent)
	diskUsed.Set(float64(system.Disk.Used))

	ifaces, err := s.wgManager.Interfaces(ctx)
	if err == nil {
		ifaceCount.Set(float64(len(ifaces)))
		now := time.Now().Unix()
		for _, iface := range ifaces {
			dump, err := s.wgManager.Dump(ctx, iface)
			if err != nil {
				continue
			}
			active := 0
			var totalRx, totalTx int64
			for _, peer := range dump.Peers {
				// Truncate keys the way the dashboard labels do so the
				// cardinality stays bounded and keys don't leak whole.
				key := peer.PublicKey
				if len(key) > 16 {
					key = key[:16]
				}
				peerRx.WithLabelValues(iface, key).Set(float64(peer.TransferRx))
				peerTx.WithLabelValues(iface, key).Set(float64(peer.TransferTx))
				if peer.LatestHandshake != nil {
					peerHandshake.WithLabelValues(iface, key).Set(float64(now - *peer.LatestHandshake))
					if now-*peer.LatestHandshake < activeHandshakeWindow {
						active++
					}
				}
				totalRx += peer.TransferRx
				totalTx += peer.TransferTx
			}
			peersTotal.WithLabelValues(iface).Set(float64(len(dump.Peers)))
			peersActive.WithLabelValues(iface).Set(float64(active))
			ifaceRx.WithLabelValues(iface).Set(float64(totalRx))
			ifaceTx.WithLabelValues(iface).Set(float64(totalTx))
		}
	}

	return reg.Gather()
}
