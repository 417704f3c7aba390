package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"example.com/availmon/internal/records"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	changes []Change
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, c Change) error {
	n.changes = append(n.changes, c)
	return n.err
}

func testReport(passID string, at time.Time, diffs map[string]int) records.Report {
	r := records.NewReport(at)
	r.PassID = passID
	for _, id := range []string{"api", "db", "web"} {
		d, ok := diffs[id]
		if !ok {
			continue
		}
		r.Order = append(r.Order, id)
		status := records.Up
		if d < 0 {
			status = records.Down
		}
		r.Components[id] = records.ComponentReport{
			Attrs:                  records.Attrs{Name: id + "-name"},
			AvailabilityDifference: d,
			LastStatus:             status,
			LastSampleAt:           at,
		}
	}
	return r
}

func TestDispatcherSendsEachChangeOnce(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &recordingNotifier{}
	d := &Dispatcher{Notifiers: map[string]Notifier{"rec": rec}}

	require.NoError(t, d.Dispatch(context.Background(), testReport("p1", t0, map[string]int{"api": -1, "db": 0, "web": 1})))
	require.Equal(t, []Change{
		{ComponentID: "api", Attrs: records.Attrs{Name: "api-name"}, Difference: -1, Status: records.Down, At: t0, PassID: "p1"},
		{ComponentID: "web", Attrs: records.Attrs{Name: "web-name"}, Difference: 1, Status: records.Up, At: t0, PassID: "p1"},
	}, rec.changes)

	// Same samples, next pass: nothing new.
	require.NoError(t, d.Dispatch(context.Background(), testReport("p2", t0, map[string]int{"api": -1, "web": 1})))
	require.Len(t, rec.changes, 2)

	// A newer sample produces a new change.
	require.NoError(t, d.Dispatch(context.Background(), testReport("p3", t0.Add(time.Minute), map[string]int{"api": 1})))
	require.Len(t, rec.changes, 3)
	require.Equal(t, "p3", rec.changes[2].PassID)
}

func TestDispatcherRetriesFailedChanges(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ok := &recordingNotifier{}
	flaky := &recordingNotifier{err: errors.New("broker down")}
	d := &Dispatcher{Notifiers: map[string]Notifier{"ok": ok, "flaky": flaky}}

	err := d.Dispatch(context.Background(), testReport("p1", t0, map[string]int{"api": -1}))
	require.ErrorContains(t, err, "broker down")

	flaky.err = nil
	require.NoError(t, d.Dispatch(context.Background(), testReport("p2", t0, map[string]int{"api": -1})))
	require.Len(t, flaky.changes, 2)
	require.Len(t, ok.changes, 2)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaNotifier(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{Writer: w}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, n.Notify(context.Background(), Change{ComponentID: "api", Difference: -1, At: at}))
	require.Len(t, w.msgs, 1)
	require.Equal(t, "api", string(w.msgs[0].Key))

	var got Change
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	require.Equal(t, -1, got.Difference)

	require.NoError(t, n.Close())
	require.True(t, w.closed)
}

type fakeToken struct {
	done bool
	err  error
}

func (t *fakeToken) Wait() bool                     { return t.done }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.done }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.done {
		close(ch)
	}
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakePublisher struct {
	topics []string
	token  *fakeToken
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	return p.token
}

func TestMQTTNotifier(t *testing.T) {
	cases := map[string]struct {
		token     *fakeToken
		expectErr string
	}{
		"published": {token: &fakeToken{done: true}},
		"timeout":   {token: &fakeToken{}, expectErr: "timed out"},
		"rejected":  {token: &fakeToken{done: true, err: errors.New("not authorized")}, expectErr: "not authorized"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			p := &fakePublisher{token: c.token}
			n := &MQTTNotifier{Client: p, TopicPrefix: "availability/", Timeout: time.Millisecond}
			err := n.Notify(context.Background(), Change{ComponentID: "db"})
			if c.expectErr != "" {
				require.ErrorContains(t, err, c.expectErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, []string{"availability/db"}, p.topics)
		})
	}
}
