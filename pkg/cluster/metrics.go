package cluster

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type clusterMetrics struct {
	set                       *metrics.Set
	heartbeats_received_total struct {
		valid          *metrics.Counter
		misaddressed   *metrics.Counter
		unknown_host   *metrics.Counter
		unidentified   *metrics.Counter
		group_mismatch *metrics.Counter
		ip_mismatch    *metrics.Counter
		unresolvable   *metrics.Counter
	}
	heartbeats_sent_total *metrics.Counter
	master_changes_total  *metrics.Counter
}

// WritePrometheus writes cluster metrics to w.
func (c *Cluster) WritePrometheus(w io.Writer) {
	c.m().set.WritePrometheus(w)
}

// m gets the metrics objects for c, creating them on first use so they are
// reported even while still zero.
func (c *Cluster) m() *clusterMetrics {
	c.metricsInit.Do(func() {
		mo := &c.metricsObj
		mo.set = metrics.NewSet()
		mo.heartbeats_received_total.valid = mo.set.NewCounter(`hapulse_cluster_heartbeats_received_total{result="valid"}`)
		mo.heartbeats_received_total.misaddressed = mo.set.NewCounter(`hapulse_cluster_heartbeats_received_total{result="misaddressed"}`)
		mo.heartbeats_received_total.unknown_host = mo.set.NewCounter(`hapulse_cluster_heartbeats_received_total{result="unknown_host"}`)
		mo.heartbeats_received_total.unidentified = mo.set.NewCounter(`hapulse_cluster_heartbeats_received_total{result="unidentified"}`)
		mo.heartbeats_received_total.group_mismatch = mo.set.NewCounter(`hapulse_cluster_heartbeats_received_total{result="group_mismatch"}`)
		mo.heartbeats_received_total.ip_mismatch = mo.set.NewCounter(`hapulse_cluster_heartbeats_received_total{result="ip_mismatch"}`)
		mo.heartbeats_received_total.unresolvable = mo.set.NewCounter(`hapulse_cluster_heartbeats_received_total{result="unresolvable"}`)
		mo.heartbeats_sent_total = mo.set.NewCounter(`hapulse_cluster_heartbeats_sent_total`)
		mo.master_changes_total = mo.set.NewCounter(`hapulse_cluster_master_changes_total`)
		mo.set.NewGauge(`hapulse_cluster_nodes`, func() float64 {
			c.mu.Lock()
			defer c.mu.Unlock()
			return float64(len(c.nodes))
		})
		mo.set.NewGauge(`hapulse_cluster_ui_nodes`, func() float64 {
			c.mu.Lock()
			defer c.mu.Unlock()
			return float64(len(c.uiNodes))
		})
		mo.set.NewGauge(`hapulse_cluster_isolated`, func() float64 {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.isolated {
				return 1
			}
			return 0
		})
	})
	return &c.metricsObj
}

func (m *clusterMetrics) reject(r ValidationResult) *metrics.Counter {
	switch r {
	case UnidentifiedNode:
		return m.heartbeats_received_total.unidentified
	case GroupMismatch:
		return m.heartbeats_received_total.group_mismatch
	case IPMismatch:
		return m.heartbeats_received_total.ip_mismatch
	default:
		return m.heartbeats_received_total.unresolvable
	}
}
