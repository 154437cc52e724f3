package observability

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var leaderStates = []string{"follower", "candidate", "leader"}

// stateCollector reads live component state at scrape time instead of
// mirroring it into gauges.
type stateCollector struct {
	mu          sync.RWMutex
	leader      LeaderStateFunc
	connections ConnectionsFunc
	flows       FlowCountsFunc

	leaderDesc      *prometheus.Desc
	connectionsDesc *prometheus.Desc
	statesDesc      *prometheus.Desc
	flowsDesc       *prometheus.Desc
}

func newStateCollector() *stateCollector {
	return &stateCollector{
		leaderDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "leader_state"),
			"1 for the current election state of this instance", []string{"state"}, nil),
		connectionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections"),
			"Live tool server connections by kind", []string{"kind"}, nil),
		statesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connection_states"),
			"Live tool server connections by state", []string{"state"}, nil),
		flowsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "oauth_flows"),
			"Tracked OAuth flows by status", []string{"status"}, nil),
	}
}

func (c *stateCollector) setLeader(fn LeaderStateFunc) {
	c.mu.Lock()
	c.leader = fn
	c.mu.Unlock()
}

func (c *stateCollector) setConnections(fn ConnectionsFunc) {
	c.mu.Lock()
	c.connections = fn
	c.mu.Unlock()
}

func (c *stateCollector) setFlows(fn FlowCountsFunc) {
	c.mu.Lock()
	c.flows = fn
	c.mu.Unlock()
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.leaderDesc
	ch <- c.connectionsDesc
	ch <- c.statesDesc
	ch <- c.flowsDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	leader, connections, flows := c.leader, c.connections, c.flows
	c.mu.RUnlock()

	if leader != nil {
		current := leader()
		for _, s := range leaderStates {
			v := 0.0
			if s == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.leaderDesc, prometheus.GaugeValue, v, s)
		}
	}
	if connections != nil {
		app, user, states := connections()
		ch <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(app), "app")
		ch <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(user), "user")
		for _, s := range sortedKeys(states) {
			ch <- prometheus.MustNewConstMetric(c.statesDesc, prometheus.GaugeValue, float64(states[s]), s)
		}
	}
	if flows != nil {
		counts := flows()
		for _, s := range sortedKeys(counts) {
			ch <- prometheus.MustNewConstMetric(c.flowsDesc, prometheus.GaugeValue, float64(counts[s]), s)
		}
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
