package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/retry"
)

type serviceReply struct {
	resp harvest.Response
	err  error
}

// scriptedServices answers per URL, consuming replies in order.
type scriptedServices struct {
	replies map[string][]serviceReply
	calls   []string
}

func (s *scriptedServices) Get(_ context.Context, url string) (harvest.Response, error) {
	s.calls = append(s.calls, url)
	queue := s.replies[url]
	if len(queue) == 0 {
		return harvest.Response{}, errors.New("connection refused")
	}
	r := queue[0]
	s.replies[url] = queue[1:]
	return r.resp, r.err
}

func ok(body string) serviceReply {
	return serviceReply{resp: harvest.Response{StatusCode: 200, Body: []byte(body)}}
}

var services = []string{"https://a.example/ip", "https://b.example/api/ip", "https://c.example/ip"}

func newResolver(t *testing.T, client harvest.Client, sleeper harvest.Sleeper) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{
		Services:         services,
		Attempts:         3,
		Backoff:          retry.Fixed{Interval: 2 * time.Second},
		Timeout:          time.Second,
		MinAddressLength: 7,
		RequireIP:        true,
	}, client, sleeper, nil)
	require.NoError(t, err)
	return r
}

func TestResolveFirstServiceWins(t *testing.T) {
	t.Parallel()

	client := &scriptedServices{replies: map[string][]serviceReply{
		services[0]: {ok("198.51.100.7\n")},
	}}
	sleeper := &recordingSleeper{}
	addr, found := newResolver(t, client, sleeper).Resolve(context.Background())
	require.True(t, found)
	assert.Equal(t, "198.51.100.7", addr)
	assert.Equal(t, []string{services[0]}, client.calls)
	assert.Empty(t, sleeper.recorded())
}

func TestResolveFallsThroughServices(t *testing.T) {
	t.Parallel()

	client := &scriptedServices{replies: map[string][]serviceReply{
		services[0]: {{resp: harvest.Response{StatusCode: 503}}},
		services[1]: {ok(`{"IsTor":true,"IP":"185.220.101.4"}`)},
	}}
	addr, found := newResolver(t, client, &recordingSleeper{}).Resolve(context.Background())
	require.True(t, found)
	assert.Equal(t, "185.220.101.4", addr)
	assert.Equal(t, services[:2], client.calls)
}

func TestResolveRetriesWholeAttempt(t *testing.T) {
	t.Parallel()

	client := &scriptedServices{replies: map[string][]serviceReply{
		services[0]: {ok("<html>blocked</html>"), ok("short")},
		services[2]: {{err: errors.New("timeout")}, ok("not-an-ip-address"), ok("2001:db8::1")},
	}}
	sleeper := &recordingSleeper{}
	addr, found := newResolver(t, client, sleeper).Resolve(context.Background())
	require.True(t, found)
	assert.Equal(t, "2001:db8::1", addr)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.recorded())
	assert.Len(t, client.calls, 9)
}

func TestResolveExhausted(t *testing.T) {
	t.Parallel()

	client := &scriptedServices{replies: map[string][]serviceReply{}}
	sleeper := &recordingSleeper{}
	addr, found := newResolver(t, client, sleeper).Resolve(context.Background())
	assert.False(t, found)
	assert.Empty(t, addr)
	assert.Len(t, client.calls, 9, "three attempts over three services")
	assert.Len(t, sleeper.recorded(), 2, "waits only between attempts")
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body string
		want string
	}{
		{body: "  203.0.113.5 \n", want: "203.0.113.5"},
		{body: `{"IsTor":true,"IP":"185.220.101.4"}`, want: "185.220.101.4"},
		{body: `{"ip":"198.51.100.2"}`, want: "198.51.100.2"},
		{body: `{"origin":"198.51.100.3","ipv":4}`, want: "198.51.100.3"},
		{body: `{"ip": broken`, want: `{"ip": broken`},
		{body: `{"status":"ok"}`, want: `{"status":"ok"}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractAddress(tt.body), tt.body)
	}
}

func TestNewResolverValidation(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(ResolverConfig{}, &scriptedServices{}, &recordingSleeper{}, nil)
	assert.True(t, errors.Is(err, harvest.ErrConfiguration))

	_, err = NewResolver(ResolverConfig{Services: services}, nil, &recordingSleeper{}, nil)
	assert.True(t, errors.Is(err, harvest.ErrConfiguration))

	r, err := NewResolver(ResolverConfig{Services: services}, &scriptedServices{}, &recordingSleeper{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, r.cfg.Attempts)
	assert.Equal(t, 7, r.cfg.MinAddressLength)
}

func TestPlausibleWithoutStrictIP(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(ResolverConfig{Services: services, MinAddressLength: 7}, &scriptedServices{}, &recordingSleeper{}, nil)
	require.NoError(t, err)
	assert.True(t, r.plausible("exit-node.example"))
	assert.False(t, r.plausible("1.2.3"))
	assert.False(t, r.plausible("has space here"))
}
