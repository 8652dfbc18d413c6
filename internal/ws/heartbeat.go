package ws

import (
	"time"

	"github.com/whisper/roulette/internal/metrics"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration // extra silence tolerated past Interval
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection on each interval and removes those
// that have been silent for longer than Interval + Timeout. It returns
// immediately; the goroutine exits on Shutdown.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.logger.Info("heartbeat timeout", "conn", c.ID, "idle", idle.Round(time.Second))
			metrics.ConnectionsDropped.WithLabelValues("heartbeat").Inc()
			server.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			server.logger.Debug("heartbeat ping failed", "conn", c.ID, "error", err)
			metrics.ConnectionsDropped.WithLabelValues("ping_failed").Inc()
			server.RemoveConnection(c)
		}
	}
}
