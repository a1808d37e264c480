// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package instrumentation_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/oom-resolver/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/oom-resolver/pkg/instrumentation"
	"github.com/containers/oom-resolver/pkg/metrics"
)

func TestMetricsEndpoint(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_value",
		Help: "a test gauge",
	})
	gauge.Set(17)
	metrics.MustRegister("test", gauge, metrics.WithGroup("instrumentation"))

	require.NoError(t, instrumentation.Start(&cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics:      []string{"instrumentation"},
	}))
	defer instrumentation.Stop()

	address := instrumentation.HTTPAddress()
	require.NotEmpty(t, address)

	body := scrape(t, address)
	require.Contains(t, body, "oom_resolver_instrumentation_test_value 17")

	rpl, err := http.Get("http://" + address + "/healthz")
	require.NoError(t, err)
	rpl.Body.Close()
	require.Equal(t, http.StatusOK, rpl.StatusCode)

	require.NoError(t, instrumentation.Reconfigure(&cfgapi.Config{}))
	require.Empty(t, instrumentation.HTTPAddress())

	_, err = http.Get("http://" + address + "/metrics")
	require.Error(t, err, "metrics server should be stopped")
}

func scrape(t *testing.T, address string) string {
	rpl, err := http.Get("http://" + address + "/metrics")
	require.NoError(t, err)
	defer rpl.Body.Close()
	require.Equal(t, http.StatusOK, rpl.StatusCode)

	data, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	return strings.TrimSpace(string(data))
}
