package modules

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/metrics"
)

func TestMetricsModuleServesAndStops(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	m := MetricsModule(addr)
	assert.Equal(t, "Metrics", m.GetType())
	require.NoError(t, m.OnInit(nil, nil))

	closeSig := make(chan bool, 1)
	stopped := make(chan struct{})
	go func() {
		m.Run(closeSig)
		close(stopped)
	}()

	metrics.RecordTask("probe", nil)
	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, string(body), "vair_")

	closeSig <- true
	<-stopped
	m.OnDestroy()
}
