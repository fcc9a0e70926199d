package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current open connections, authenticated or not
	FailedAuths       atomic.Int64 // wrong credentials or banned names
	SuccessfulAuths   atomic.Int64 // sessions registered
	Registrations     atomic.Int64 // accounts created
	TotalDisconnects  atomic.Int64 // sessions removed (disconnect, kick, ban)

	// Chat counters
	ChatMessages     atomic.Int64 // broadcast messages relayed
	PrivateMessages  atomic.Int64 // private messages routed
	FilesRouted      atomic.Int64 // file uploads delivered
	RejectedFiles    atomic.Int64 // uploads over the limit or undecodable
	MutedDrops       atomic.Int64 // messages dropped because the sender was muted
	DeliveryFailures atomic.Int64 // failed writes during fan-out
	Commands         atomic.Int64 // slash-commands executed
	RequestErrors    atomic.Int64 // requests that panicked

	// Room and admin counters
	RoomsCreated atomic.Int64
	KickCount    atomic.Int64
	BanCount     atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all counters.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	Registrations     int64 `json:"registrations"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	ChatMessages     int64 `json:"chat_messages"`
	PrivateMessages  int64 `json:"private_messages"`
	FilesRouted      int64 `json:"files_routed"`
	RejectedFiles    int64 `json:"rejected_files"`
	MutedDrops       int64 `json:"muted_drops"`
	DeliveryFailures int64 `json:"delivery_failures"`
	Commands         int64 `json:"commands"`
	RequestErrors    int64 `json:"request_errors"`

	RoomsCreated int64 `json:"rooms_created"`
	KickCount    int64 `json:"kick_count"`
	BanCount     int64 `json:"ban_count"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		Registrations:     m.Registrations.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		ChatMessages:      m.ChatMessages.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		FilesRouted:       m.FilesRouted.Load(),
		RejectedFiles:     m.RejectedFiles.Load(),
		MutedDrops:        m.MutedDrops.Load(),
		DeliveryFailures:  m.DeliveryFailures.Load(),
		Commands:          m.Commands.Load(),
		RequestErrors:     m.RequestErrors.Load(),
		RoomsCreated:      m.RoomsCreated.Load(),
		KickCount:         m.KickCount.Load(),
		BanCount:          m.BanCount.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"chat_msgs", s.ChatMessages,
		"private_msgs", s.PrivateMessages,
		"files", s.FilesRouted,
		"delivery_failures", s.DeliveryFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}

// collector exports Metrics and registry gauges to Prometheus. Values are read
// at scrape time, so the hot path only touches atomics.
type collector struct {
	m        *Metrics
	registry *Registry

	uptime   *prometheus.Desc
	counters []counterDesc
	gauges   []gaugeDesc
}

type counterDesc struct {
	desc *prometheus.Desc
	v    *atomic.Int64
}

type gaugeDesc struct {
	desc  *prometheus.Desc
	value func(RegistryStats) int
}

func newCollector(m *Metrics, r *Registry) *collector {
	counter := func(name, help string, v *atomic.Int64) counterDesc {
		return counterDesc{desc: prometheus.NewDesc("roomchat_"+name, help, nil, nil), v: v}
	}
	gauge := func(name, help string, value func(RegistryStats) int) gaugeDesc {
		return gaugeDesc{desc: prometheus.NewDesc("roomchat_"+name, help, nil, nil), value: value}
	}

	return &collector{
		m:        m,
		registry: r,
		uptime:   prometheus.NewDesc("roomchat_uptime_seconds", "Server uptime in seconds.", nil, nil),
		counters: []counterDesc{
			counter("connections_total", "Lifetime TCP connections accepted.", &m.TotalConnections),
			counter("disconnects_total", "Sessions removed.", &m.TotalDisconnects),
			counter("auth_success_total", "Successful logins.", &m.SuccessfulAuths),
			counter("auth_failed_total", "Failed logins.", &m.FailedAuths),
			counter("registrations_total", "Accounts created.", &m.Registrations),
			counter("chat_messages_total", "Broadcast messages relayed.", &m.ChatMessages),
			counter("private_messages_total", "Private messages routed.", &m.PrivateMessages),
			counter("files_total", "File uploads delivered.", &m.FilesRouted),
			counter("files_rejected_total", "File uploads rejected.", &m.RejectedFiles),
			counter("muted_drops_total", "Messages dropped because the sender was muted.", &m.MutedDrops),
			counter("delivery_failures_total", "Failed writes during fan-out.", &m.DeliveryFailures),
			counter("commands_total", "Slash-commands executed.", &m.Commands),
			counter("request_errors_total", "Requests that failed with a recovered panic.", &m.RequestErrors),
			counter("rooms_created_total", "Rooms created with /create.", &m.RoomsCreated),
			counter("kicks_total", "Users kicked.", &m.KickCount),
			counter("bans_total", "Users banned.", &m.BanCount),
		},
		gauges: []gaugeDesc{
			gauge("sessions_active", "Authenticated sessions.", func(s RegistryStats) int { return s.Users }),
			gauge("admins_active", "Sessions with admin rights.", func(s RegistryStats) int { return s.Admins }),
			gauge("rooms_active", "Non-empty rooms.", func(s RegistryStats) int { return s.Rooms }),
			gauge("bans", "Banned usernames.", func(s RegistryStats) int { return s.Bans }),
		},
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	for _, gd := range c.gauges {
		ch <- gd.desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, time.Since(c.m.startTime).Seconds())
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.v.Load()))
	}
	stats := c.registry.Stats(time.Now())
	for _, gd := range c.gauges {
		ch <- prometheus.MustNewConstMetric(gd.desc, prometheus.GaugeValue, float64(gd.value(stats)))
	}
}
