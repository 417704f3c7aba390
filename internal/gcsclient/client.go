package gcsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"example.com/availmon/internal/records"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("gcsclient")

type Client struct {
	StorageClient *storage.Client
}

func (c *Client) GetEventLogs(ctx context.Context, bucket, path string) (map[string]records.EventLog, error) {
	rc, err := c.StorageClient.Bucket(bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return map[string]records.EventLog{}, nil
		}
		return nil, fmt.Errorf("failed to read object %q: %w", path, err)
	}

	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var logs map[string]records.EventLog
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	if logs == nil {
		logs = map[string]records.EventLog{}
	}
	log.V(3).Info("got event logs", "count", len(logs), "bucket", bucket, "path", path)
	return logs, nil
}

func (c *Client) PutEventLogs(ctx context.Context, bucket, path string, logs map[string]records.EventLog) error {
	log.V(3).Info("putting event logs", "count", len(logs), "bucket", bucket, "path", path)
	data, err := json.Marshal(logs)
	if err != nil {
		return err
	}
	return c.write(ctx, bucket, path, data)
}

// PutReport stores a whole report document, replacing any previous one.
func (c *Client) PutReport(ctx context.Context, bucket, path string, r records.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	log.V(3).Info("putting report", "passId", r.PassID, "bucket", bucket, "path", path)
	return c.write(ctx, bucket, path, data)
}

func (c *Client) write(ctx context.Context, bucket, path string, data []byte) error {
	wc := c.StorageClient.Bucket(bucket).Object(path).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write object %q: %w", path, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close object %q: %w", path, err)
	}
	return nil
}
