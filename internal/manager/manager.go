package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/types"
	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// so the ConfigMap exporter can authenticate from outside the cluster.
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"example.com/availmon/internal/aggregator"
	"example.com/availmon/internal/api"
	"example.com/availmon/internal/cache"
	"example.com/availmon/internal/experiments"
	"example.com/availmon/internal/gcsclient"
	"example.com/availmon/internal/metadata"
	"example.com/availmon/internal/metrics"
	"example.com/availmon/internal/notify"
	"example.com/availmon/internal/records"
	"example.com/availmon/internal/source"
)

var (
	setupLog = ctrl.Log.WithName("setup")
)

const (
	SourceSQL      = "sql"
	SourceEventLog = "eventlog"
)

type Config struct {
	MetricsPrefix string

	AggregationIntervalSeconds int64
	Workers                    int
	TopN                       int

	Exporters []string

	ReportConfigMapRef types.NamespacedName
	ReportBucketName   string
	ReportBucketPath   string

	Source SourceConfig

	MetadataPath string

	APIAddr               string
	ReportCacheTTLSeconds int64

	Notifiers []string
	Kafka     KafkaConfig
	MQTT      MQTTConfig

	OTLPEnabled      bool
	EnableSimulation bool

	Experiments experiments.Set
}

type SourceConfig struct {
	// Type is SourceSQL or SourceEventLog.
	Type string

	// SQL source options
	Driver string
	DSN    string
	Table  string

	// Event log source options
	EventsBucketName string
	EventsBucketPath string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type MQTTConfig struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	QoS         byte
}

func defaultConfig() Config {
	return Config{
		MetricsPrefix:              "availmon",
		AggregationIntervalSeconds: 60,
		Workers:                    4,
		TopN:                       records.DefaultTopN,
		ReportConfigMapRef: types.NamespacedName{
			Namespace: "availmon-system",
			Name:      "availmon-report",
		},
		ReportBucketPath: "availmon/report.json",
		Source: SourceConfig{
			Type:             SourceSQL,
			Driver:           source.DriverSQLite,
			DSN:              "file:availmon.db",
			Table:            source.DefaultTable,
			EventsBucketPath: "availmon/events.json",
		},
		APIAddr:               ":8080",
		ReportCacheTTLSeconds: 30,
		Notifiers:             []string{"log"},
		Kafka: KafkaConfig{
			Topic: "availability-changes",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "availmon/availability",
			ClientID:    "availmon",
			QoS:         1,
		},
		Experiments: experiments.Set{},
	}
}

// LoadConfig reads a JSON config file over the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return loadConfig(data)
}

func loadConfig(data []byte) (Config, error) {
	cfg := defaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs error
	if c.AggregationIntervalSeconds <= 0 {
		errs = multierr.Append(errs, errors.New("AggregationIntervalSeconds must be positive"))
	}
	if c.Workers <= 0 {
		errs = multierr.Append(errs, errors.New("Workers must be positive"))
	}
	if c.TopN <= 0 {
		errs = multierr.Append(errs, errors.New("TopN must be positive"))
	}
	switch c.Source.Type {
	case SourceSQL:
		if c.Source.Driver != source.DriverSQLite && c.Source.Driver != source.DriverPostgres {
			errs = multierr.Append(errs, fmt.Errorf("unsupported Source.Driver %q", c.Source.Driver))
		}
	case SourceEventLog:
		if c.Source.EventsBucketName == "" && !c.EnableSimulation {
			errs = multierr.Append(errs, errors.New("Source.EventsBucketName is required for the eventlog source"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported Source.Type %q", c.Source.Type))
	}
	for _, name := range c.Exporters {
		switch name {
		case "stdout", "configmap":
		case "gcs":
			if c.ReportBucketName == "" && !c.EnableSimulation {
				errs = multierr.Append(errs, errors.New("ReportBucketName is required for the gcs exporter"))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("exporter not found: %q", name))
		}
	}
	for _, name := range c.Notifiers {
		switch name {
		case "log":
		case "kafka":
			if len(c.Kafka.Brokers) == 0 {
				errs = multierr.Append(errs, errors.New("Kafka.Brokers is required for the kafka notifier"))
			}
		case "mqtt":
			if c.MQTT.Broker == "" {
				errs = multierr.Append(errs, errors.New("MQTT.Broker is required for the mqtt notifier"))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("notifier not found: %q", name))
		}
	}
	return errs
}

type GCSClient interface {
	source.GCSClient
	aggregator.ReportPutter
}

// Deps overrides collaborators that are otherwise built from the config.
type Deps struct {
	Source      source.Source
	GCS         GCSClient
	KubeClient  client.Client
	Clock       clock.Clock
	KafkaWriter notify.MessageWriter
	MQTTClient  notify.Publisher
}

type components struct {
	agg      *aggregator.Aggregator
	api      *api.Server
	metadata *metadata.Store
	closers  []func() error
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			setupLog.Error(err, "failed to close")
		}
	}
}

func build(ctx context.Context, cfg Config, deps Deps) (*components, error) {
	c := &components{metadata: &metadata.Store{}}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	if cfg.EnableSimulation {
		setupLog.Info("*** SIMULATION MODE Enabled ***")
		if deps.GCS == nil {
			deps.GCS = gcsclient.CreateStubGCSClient()
		}
		if cfg.Source.Type == SourceSQL {
			cfg.Source.Driver, cfg.Source.DSN = source.DriverSQLite, ":memory:"
		}
	}

	needsGCS := cfg.Source.Type == SourceEventLog
	for _, name := range cfg.Exporters {
		needsGCS = needsGCS || name == "gcs"
	}
	if needsGCS && deps.GCS == nil {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating gcs client: %w", err)
		}
		c.closers = append(c.closers, storageClient.Close)
		deps.GCS = &gcsclient.Client{StorageClient: storageClient}
	}

	src := deps.Source
	if src == nil {
		switch cfg.Source.Type {
		case SourceSQL:
			sqlSource, err := source.OpenSQL(ctx, cfg.Source.Driver, cfg.Source.DSN, cfg.Source.Table)
			if err != nil {
				c.close()
				return nil, err
			}
			c.closers = append(c.closers, sqlSource.Close)
			if err := sqlSource.EnsureSchema(ctx); err != nil {
				c.close()
				return nil, err
			}
			src = sqlSource
		case SourceEventLog:
			src = &source.EventLogSource{
				GCS:        deps.GCS,
				BucketName: cfg.Source.EventsBucketName,
				Path:       cfg.Source.EventsBucketPath,
			}
		}
	}

	if cfg.MetadataPath != "" {
		attrs, err := metadata.Load(cfg.MetadataPath)
		if err != nil {
			c.close()
			return nil, err
		}
		c.metadata.Replace(attrs)
	}

	reportCache := cache.New[[]byte](time.Duration(cfg.ReportCacheTTLSeconds)*time.Second, metrics.CacheObserver{})

	agg := &aggregator.Aggregator{
		Source:      src,
		Metadata:    c.metadata,
		Clock:       clk,
		Interval:    time.Duration(cfg.AggregationIntervalSeconds) * time.Second,
		Workers:     cfg.Workers,
		TopN:        cfg.TopN,
		Experiments: cfg.Experiments,
		Exporters:   map[string]aggregator.Exporter{},
		Cache:       reportCache,
	}

	for _, name := range cfg.Exporters {
		switch name {
		case "stdout":
			agg.Exporters[name] = &aggregator.StdoutExporter{}
		case "configmap":
			kubeClient := deps.KubeClient
			if kubeClient == nil {
				var err error
				kubeClient, err = client.New(ctrl.GetConfigOrDie(), client.Options{})
				if err != nil {
					c.close()
					return nil, fmt.Errorf("creating kubernetes client: %w", err)
				}
			}
			agg.Exporters[name] = &aggregator.ConfigMapExporter{
				Client: kubeClient,
				Ref:    cfg.ReportConfigMapRef,
				Key:    "report",
			}
		case "gcs":
			agg.Exporters[name] = &aggregator.GCSExporter{
				GCS:        deps.GCS,
				BucketName: cfg.ReportBucketName,
				Path:       cfg.ReportBucketPath,
			}
		}
	}

	dispatcher := &notify.Dispatcher{Notifiers: map[string]notify.Notifier{}}
	for _, name := range cfg.Notifiers {
		switch name {
		case "log":
			dispatcher.Notifiers[name] = notify.LogNotifier{}
		case "kafka":
			writer := deps.KafkaWriter
			if writer == nil {
				writer = notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
			}
			kafkaNotifier := &notify.KafkaNotifier{Writer: writer}
			c.closers = append(c.closers, kafkaNotifier.Close)
			dispatcher.Notifiers[name] = kafkaNotifier
		case "mqtt":
			publisher := deps.MQTTClient
			if publisher == nil {
				mqttClient := notify.NewMQTTClient(cfg.MQTT.Broker, cfg.MQTT.ClientID)
				token := mqttClient.Connect()
				if !token.WaitTimeout(10 * time.Second) {
					c.close()
					return nil, fmt.Errorf("connecting to mqtt broker %s: timed out", cfg.MQTT.Broker)
				}
				if err := token.Error(); err != nil {
					c.close()
					return nil, fmt.Errorf("connecting to mqtt broker: %w", err)
				}
				c.closers = append(c.closers, func() error {
					mqttClient.Disconnect(250)
					return nil
				})
				publisher = mqttClient
			}
			dispatcher.Notifiers[name] = &notify.MQTTNotifier{
				Client:      publisher,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				QoS:         cfg.MQTT.QoS,
			}
		}
	}
	if len(dispatcher.Notifiers) > 0 {
		agg.Notifier = dispatcher
	}

	appender, _ := src.(source.Appender)
	c.agg = agg
	c.api = &api.Server{
		Reporter:       agg,
		Appender:       appender,
		Cache:          reportCache,
		MetricsHandler: promhttp.Handler(),
		AccessLog:      os.Stdout,
	}
	return c, nil
}

// RunOnce computes a single report with the configured source, exporters and notifiers.
// With verify set it also checks set-based segmentation against the iterative builder.
func RunOnce(ctx context.Context, cfg Config, deps Deps, verify bool) (records.Report, error) {
	c, err := build(ctx, cfg, deps)
	if err != nil {
		return records.Report{}, err
	}
	defer c.close()

	report, err := c.agg.RunPass(ctx)
	if err != nil {
		return records.Report{}, err
	}
	if verify {
		mismatched, err := c.agg.Verify(ctx)
		if err != nil {
			return report, fmt.Errorf("verifying segmentation: %w", err)
		}
		if len(mismatched) > 0 {
			return report, fmt.Errorf("segmentation mismatch for components %v", mismatched)
		}
	}
	return report, nil
}

func MustRun(ctx context.Context, cfg Config, deps Deps) {
	setupLog.Info("starting manager with config", "config", cfg)
	metrics.Prefix = cfg.MetricsPrefix

	c, err := build(ctx, cfg, deps)
	if err != nil {
		setupLog.Error(err, "unable to set up")
		os.Exit(1)
	}
	defer c.close()

	shutdownMetricsFunc := metrics.Init(ctx, c.agg, time.Duration(cfg.AggregationIntervalSeconds)*time.Second, cfg.OTLPEnabled)
	defer shutdownMetricsFunc()

	apiServer := &http.Server{Handler: c.api.Handler(), Addr: cfg.APIAddr}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		setupLog.Info("starting aggregator")
		return c.agg.Start(gctx)
	})
	if cfg.MetadataPath != "" {
		g.Go(func() error {
			return metadata.Watch(gctx, cfg.MetadataPath, c.metadata)
		})
	}
	g.Go(func() error {
		setupLog.Info("starting api server", "addr", cfg.APIAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		setupLog.Info("api server closed")
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
	setupLog.Info("all goroutines stopped, exiting")
}
