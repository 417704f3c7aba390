package gcsclient

import (
	"context"
	"encoding/json"
	"sync"

	"example.com/availmon/internal/records"
)

// StubClient keeps objects in memory. Values round-trip through JSON so callers never
// share state with what is stored.
type StubClient struct {
	mtx     sync.Mutex
	objects map[string][]byte
}

func (m *StubClient) GetEventLogs(ctx context.Context, bucket, path string) (map[string]records.EventLog, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	logs := map[string]records.EventLog{}
	data, ok := m.objects[bucket+"/"+path]
	if !ok {
		return logs, nil
	}
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (m *StubClient) PutEventLogs(ctx context.Context, bucket, path string, logs map[string]records.EventLog) error {
	return m.put(bucket, path, logs)
}

func (m *StubClient) PutReport(ctx context.Context, bucket, path string, r records.Report) error {
	return m.put(bucket, path, r)
}

// Object returns the raw stored bytes.
func (m *StubClient) Object(bucket, path string) ([]byte, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	data, ok := m.objects[bucket+"/"+path]
	return data, ok
}

func (m *StubClient) put(bucket, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.objects[bucket+"/"+path] = data
	return nil
}

func CreateStubGCSClient() *StubClient {
	return &StubClient{objects: map[string][]byte{}}
}
