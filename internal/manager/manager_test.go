package manager

import (
	"context"
	"testing"
	"time"

	"example.com/availmon/internal/experiments"
	"example.com/availmon/internal/gcsclient"
	"example.com/availmon/internal/records"
	"example.com/availmon/internal/source"
	"github.com/benbjohnson/clock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"
)

func TestLoadConfig(t *testing.T) {
	baseTestJSON := `
	{
  "MetricsPrefix": "availmon.alpha",
  "Exporters": [
    "stdout"
  ],
  "AggregationIntervalSeconds": 3,
  "Source": {
    "Type": "sql",
    "Driver": "pgx",
    "DSN": "postgres://availmon@db:5432/availmon"
  }
}`
	experimentJSON := `
		{
  "MetricsPrefix": "availmon.alpha",
  "Exporters": [
    "stdout"
  ],
  "AggregationIntervalSeconds": 3,
  "Source": {
    "Type": "sql",
    "Driver": "pgx",
    "DSN": "postgres://availmon@db:5432/availmon"
  },
  "Experiments": {
    "LongestOutageIncludesOpen": {
      "Enabled": true
    },
	"UnknownExperiment" : {
		"Enabled": false
	}
  }
}`
	baseConfig := Config{
		MetricsPrefix:              "availmon.alpha",
		AggregationIntervalSeconds: 3,
		Workers:                    4,
		TopN:                       10,
		Exporters:                  []string{"stdout"},
		ReportConfigMapRef: types.NamespacedName{
			Namespace: "availmon-system",
			Name:      "availmon-report",
		},
		ReportBucketPath: "availmon/report.json",
		Source: SourceConfig{
			Type:             "sql",
			Driver:           "pgx",
			DSN:              "postgres://availmon@db:5432/availmon",
			Table:            "status_samples",
			EventsBucketPath: "availmon/events.json",
		},
		APIAddr:               ":8080",
		ReportCacheTTLSeconds: 30,
		Notifiers:             []string{"log"},
		Kafka:                 KafkaConfig{Topic: "availability-changes"},
		MQTT: MQTTConfig{
			TopicPrefix: "availmon/availability",
			ClientID:    "availmon",
			QoS:         1,
		},
		Experiments: experiments.Set{},
	}
	experimentConfig := baseConfig
	experimentConfig.Experiments = experiments.Set{
		"LongestOutageIncludesOpen": {
			Enabled: true,
		},
		"UnknownExperiment": {},
	}

	tests := []struct {
		name       string
		configJSON string
		want       Config
		wantErr    bool
	}{
		{
			name:       "base",
			configJSON: baseTestJSON,
			want:       baseConfig,
		},
		{
			name:       "experiments",
			configJSON: experimentJSON,
			want:       experimentConfig,
		},
		{
			name:       "unknown exporter",
			configJSON: `{"Exporters": ["fax"]}`,
			wantErr:    true,
		},
		{
			name:       "kafka without brokers",
			configJSON: `{"Notifiers": ["kafka"]}`,
			wantErr:    true,
		},
		{
			name:       "eventlog without bucket",
			configJSON: `{"Source": {"Type": "eventlog"}}`,
			wantErr:    true,
		},
		{
			name:       "zero interval",
			configJSON: `{"AggregationIntervalSeconds": 0}`,
			wantErr:    true,
		},
		{
			name:       "bad json",
			configJSON: `{`,
			wantErr:    true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := loadConfig([]byte(test.configJSON))
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	src, err := source.OpenSQL(ctx, source.DriverSQLite, ":memory:", "")
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.EnsureSchema(ctx))
	for _, s := range []records.Sample{
		{ComponentID: "api", Timestamp: t0, Status: records.Up},
		{ComponentID: "api", Timestamp: t0.Add(10 * time.Minute), Status: records.Down},
		{ComponentID: "api", Timestamp: t0.Add(20 * time.Minute), Status: records.Up},
	} {
		require.NoError(t, src.Append(ctx, s))
	}

	clk := clock.NewMock()
	clk.Set(t0.Add(30 * time.Minute))
	gcs := gcsclient.CreateStubGCSClient()

	cfg, err := loadConfig([]byte(`{"Exporters": ["gcs"], "ReportBucketName": "reports", "Notifiers": []}`))
	require.NoError(t, err)

	report, err := RunOnce(ctx, cfg, Deps{Source: src, GCS: gcs, Clock: clk}, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Rollup.TotalIncidents)
	require.Equal(t, 10.0, report.Rollup.MTTRMinutesMean)

	_, ok := gcs.Object("reports", "availmon/report.json")
	require.True(t, ok)
}

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestRunOnceNotifiesKafkaAndClosesWriter(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	src, err := source.OpenSQL(ctx, source.DriverSQLite, ":memory:", "")
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.EnsureSchema(ctx))
	require.NoError(t, src.Append(ctx, records.Sample{ComponentID: "api", Timestamp: t0, Status: records.Up}))
	require.NoError(t, src.Append(ctx, records.Sample{ComponentID: "api", Timestamp: t0.Add(5 * time.Minute), Status: records.Down}))

	clk := clock.NewMock()
	clk.Set(t0.Add(10 * time.Minute))
	writer := &recordingWriter{}

	cfg, err := loadConfig([]byte(`{"Notifiers": ["kafka"], "Kafka": {"Brokers": ["localhost:9092"]}}`))
	require.NoError(t, err)

	_, err = RunOnce(ctx, cfg, Deps{Source: src, Clock: clk, KafkaWriter: writer}, false)
	require.NoError(t, err)
	require.Len(t, writer.msgs, 1)
	require.Equal(t, "api", string(writer.msgs[0].Key))
	require.True(t, writer.closed)
}
