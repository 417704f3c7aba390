package aggregator

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"example.com/availmon/internal/records"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

type StdoutExporter struct {
	// Writer defaults to os.Stdout.
	Writer io.Writer
}

func (e *StdoutExporter) Export(_ context.Context, r records.Report) error {
	w := e.Writer
	if w == nil {
		w = os.Stdout
	}
	return json.NewEncoder(w).Encode(r)
}

// ConfigMapExporter stores the report document under Key of an existing ConfigMap.
type ConfigMapExporter struct {
	Ref types.NamespacedName
	Key string
	client.Client
}

func (e *ConfigMapExporter) Export(ctx context.Context, r records.Report) error {
	cm := &corev1.ConfigMap{}
	if err := e.Get(ctx, e.Ref, cm); err != nil {
		return err
	}
	if cm.Data == nil {
		cm.Data = make(map[string]string)
	}
	jsn, err := json.Marshal(r)
	if err != nil {
		return err
	}
	cm.Data[e.Key] = string(jsn)
	if err := e.Update(ctx, cm); err != nil {
		return err
	}

	return nil
}

type ReportPutter interface {
	PutReport(ctx context.Context, bucket, path string, r records.Report) error
}

// GCSExporter writes the report document to a single object, overwriting the previous one.
type GCSExporter struct {
	GCS        ReportPutter
	BucketName string
	Path       string
}

func (e *GCSExporter) Export(ctx context.Context, r records.Report) error {
	return e.GCS.PutReport(ctx, e.BucketName, e.Path, r)
}
