package bridge

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeInjector struct {
	mu     sync.Mutex
	frames map[string][]string
}

func (f *fakeInjector) Inject(origin string, frames ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames == nil {
		f.frames = make(map[string][]string)
	}
	f.frames[origin] = append(f.frames[origin], frames...)
	return nil
}

func (f *fakeInjector) get(origin string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames[origin]...)
}

func payload(t *testing.T, origin, frame string) string {
	t.Helper()
	b, err := json.Marshal(envelope{Origin: origin, Frame: frame})
	require.NoError(t, err)
	return string(b)
}

func TestHandle(t *testing.T) {
	b := &Redis{id: "self", logger: zap.NewNop()}
	inj := &fakeInjector{}

	b.handle(payload(t, "self", "own frame"), inj)
	b.handle(payload(t, "other", "relative:START\ninsertion:0:a\nrelative:STOP\n"), inj)
	b.handle("not json", inj)

	assert.Empty(t, inj.get("self"))
	assert.Equal(t, []string{"relative:START\ninsertion:0:a\nrelative:STOP\n"}, inj.get("other"))
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("COLLABTEXT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COLLABTEXT_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := "collabtext-test-" + time.Now().Format("150405.000000")
	a, err := NewRedis(ctx, addr, channel, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedis(ctx, addr, channel, nil)
	require.NoError(t, err)
	defer b.Close()

	injA, injB := &fakeInjector{}, &fakeInjector{}
	require.NoError(t, a.Run(ctx, injA))
	require.NoError(t, b.Run(ctx, injB))

	a.Publish("frame from a")
	require.Eventually(t, func() bool { return len(injB.get(a.ID())) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, injA.get(a.ID()))
}
