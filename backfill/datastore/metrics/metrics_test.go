package metrics

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/database-backfill/metrics"
)

func mockTimeSince(d time.Duration) func() {
	bkp := timeSince
	timeSince = func(_ time.Time) time.Duration { return d }
	return func() { timeSince = bkp }
}

func TestInstrumentQuery(t *testing.T) {
	queryName := "backfill_fill_window"

	restore := mockTimeSince(10 * time.Millisecond)
	defer restore()
	InstrumentQuery(queryName)()

	mockTimeSince(20 * time.Millisecond)
	InstrumentQuery(queryName)()

	var expected bytes.Buffer
	_, err := expected.WriteString(`
# HELP backfill_database_queries_total A counter for database queries.
# TYPE backfill_database_queries_total counter
backfill_database_queries_total{name="backfill_fill_window"} 2
# HELP backfill_database_query_duration_seconds A histogram of latencies for database queries.
# TYPE backfill_database_query_duration_seconds histogram
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="0.005"} 0
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="0.01"} 1
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="0.025"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="0.05"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="0.1"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="0.25"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="0.5"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="1"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="2.5"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="5"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="10"} 2
backfill_database_query_duration_seconds_bucket{name="backfill_fill_window",le="+Inf"} 2
backfill_database_query_duration_seconds_sum{name="backfill_fill_window"} 0.03
backfill_database_query_duration_seconds_count{name="backfill_fill_window"} 2
`)
	require.NoError(t, err)
	durationFullName := fmt.Sprintf("%s_%s_%s", metrics.NamespacePrefix, subsystem, queryDurationName)
	totalFullName := fmt.Sprintf("%s_%s_%s", metrics.NamespacePrefix, subsystem, queryTotalName)

	err = testutil.GatherAndCompare(prometheus.DefaultGatherer, &expected, durationFullName, totalFullName)
	require.NoError(t, err)
}

func TestInstrumentTransaction(t *testing.T) {
	restore := mockTimeSince(50 * time.Millisecond)
	defer func() {
		restore()
		txDurationHist.Reset()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(txDurationHist)

	InstrumentTransaction()(nil)
	InstrumentTransaction()(errors.New("foo"))

	var expected bytes.Buffer
	_, err := expected.WriteString(`
# HELP backfill_database_transaction_duration_seconds A histogram of latencies for window transactions, from begin to commit or rollback.
# TYPE backfill_database_transaction_duration_seconds histogram
backfill_database_transaction_duration_seconds_bucket{error="false",le="0.01"} 0
backfill_database_transaction_duration_seconds_bucket{error="false",le="0.05"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="0.1"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="0.25"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="0.5"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="1"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="2.5"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="5"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="10"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="30"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="60"} 1
backfill_database_transaction_duration_seconds_bucket{error="false",le="+Inf"} 1
backfill_database_transaction_duration_seconds_sum{error="false"} 0.05
backfill_database_transaction_duration_seconds_count{error="false"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="0.01"} 0
backfill_database_transaction_duration_seconds_bucket{error="true",le="0.05"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="0.1"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="0.25"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="0.5"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="1"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="2.5"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="5"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="10"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="30"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="60"} 1
backfill_database_transaction_duration_seconds_bucket{error="true",le="+Inf"} 1
backfill_database_transaction_duration_seconds_sum{error="true"} 0.05
backfill_database_transaction_duration_seconds_count{error="true"} 1
`)
	require.NoError(t, err)

	fullName := fmt.Sprintf("%s_%s_%s", metrics.NamespacePrefix, subsystem, txDurationName)
	err = testutil.GatherAndCompare(reg, &expected, fullName)
	require.NoError(t, err)
}
