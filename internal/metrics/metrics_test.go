package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIgnoresCalls(t *testing.T) {
	var c *Collector
	c.Published(KindAck)
	c.Received(KindAck)
	c.PublishFailed(KindAck)
	c.Dropped("malformed")
	c.Reconnected()
	c.Swept(3)
}

func TestCollector(t *testing.T) {
	c := NewCollector(func() State {
		return State{LocalSessions: 2, ListenedChannels: 5, PendingAcks: 1}
	})
	registry := prometheus.NewPedanticRegistry()
	if err := registry.Register(c); err != nil {
		t.Fatal(err)
	}
	c.Published(KindInvocation)
	c.Published(KindInvocation)
	c.Reconnected()

	expected := `
# HELP backplane_frames_published_total The number of frames published through NOTIFY.
# TYPE backplane_frames_published_total counter
backplane_frames_published_total{kind="invocation"} 2
# HELP backplane_listener_reconnects_total The number of times the listen connection was re-established.
# TYPE backplane_listener_reconnects_total counter
backplane_listener_reconnects_total 1
# HELP backplane_local_sessions The number of sessions connected to this server.
# TYPE backplane_local_sessions gauge
backplane_local_sessions 2
# HELP backplane_listened_channels The number of channels the listen connection tracks.
# TYPE backplane_listened_channels gauge
backplane_listened_channels 5
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"backplane_frames_published_total",
		"backplane_listener_reconnects_total",
		"backplane_local_sessions",
		"backplane_listened_channels",
	)
	if err != nil {
		t.Error(err)
	}
}
