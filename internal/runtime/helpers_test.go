package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/uservice/internal/runtime/config"
	idspkg "github.com/drblury/uservice/internal/runtime/ids"
	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
	"github.com/drblury/uservice/transport/memory"
)

const waitFor = 2 * time.Second

func newTestBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.New(memory.Config{RedeliveryDelay: 5 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestConfig(name string) *configpkg.Config {
	return &configpkg.Config{
		ServiceName: name,
		Transport:   "memory",
		RPCTimeout:  2 * time.Second,
		StopTimeout: time.Second,
	}
}

func newTestService(t *testing.T, b *memory.Broker, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	deps.Broker = b
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := TryNewService(cfg, loggingpkg.Nop(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.Start(context.Background()))
}

func publishRaw(t *testing.T, b *memory.Broker, exchange, routingKey, body string, pairs ...string) {
	t.Helper()
	pub, err := b.Publisher(exchange)
	require.NoError(t, err)
	msg := message.NewMessage(idspkg.CreateULID(), []byte(body))
	for i := 0; i+1 < len(pairs); i += 2 {
		msg.Metadata.Set(pairs[i], pairs[i+1])
	}
	require.NoError(t, pub.Publish(routingKey, msg))
}

// recorder collects values passed to handlers from consumer goroutines.
type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) add(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu     *sync.Mutex
	logs   *[]logEntry
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, logs: &[]logEntry{}, fields: loggingpkg.LogFields{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, logs: l.logs, fields: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.logs = append(*l.logs, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), (*l.logs)...)
}
