// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package metrics

import (
	"testing"
	"time"

	armonmetrics "github.com/armon/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestReporter_EmitsLabeledGauges(t *testing.T) {
	sink := armonmetrics.NewInmemSink(10*time.Millisecond, 50*time.Millisecond)
	_, err := armonmetrics.NewGlobal(armonmetrics.DefaultConfig("local_scheduler_test"), sink)
	require.NoError(t, err)

	r := New("node-1")
	r.ReportQueueDepths(3, 2)
	r.IncrTaskDone()

	data := sink.Data()
	require.Len(t, data, 1)

	var found bool
	for key := range data[0].Gauges {
		if key != "" {
			found = true
		}
	}
	require.True(t, found, "expected at least one gauge to be recorded")
	require.NotEmpty(t, data[0].Counters)
}
