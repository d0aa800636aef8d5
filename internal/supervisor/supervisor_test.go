package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	updates      chan Update
	connectErrs  []error
	connects     int
	disconnected int
}

func newFakeTransport(updates ...Update) *fakeTransport {
	ch := make(chan Update, len(updates)+1)
	for _, u := range updates {
		ch <- u
	}
	return &fakeTransport{updates: ch}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Disconnect()            { f.disconnected++ }
func (f *fakeTransport) Updates() <-chan Update { return f.updates }

// recordingAfter fires immediately and remembers every requested delay.
type recordingAfter struct {
	delays []time.Duration
}

func (r *recordingAfter) after(d time.Duration) <-chan time.Time {
	r.delays = append(r.delays, d)
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func TestNextDelay(t *testing.T) {
	want := []time.Duration{5, 10, 15, 20, 25, 30, 30, 30}
	for i, w := range want {
		if got := NextDelay(i + 1); got != w*time.Second {
			t.Errorf("NextDelay(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
	if got := NextDelay(1 << 62); got != MaxReconnectDelay {
		t.Errorf("NextDelay(huge) = %v, want cap", got)
	}
}

func TestRun_ReconnectScheduleAndReset(t *testing.T) {
	closed := Update{Status: StatusClosed, Code: 428}
	ft := newFakeTransport(
		closed, closed, closed,
		Update{Status: StatusOpen},
		closed,
		Update{Status: StatusClosed, Code: CodeLoggedOut},
	)
	rec := &recordingAfter{}
	ready := 0
	s := New(ft, WithAfter(rec.after), WithOnReady(func() { ready++ }))

	err := s.Run(context.Background())

	require.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 5 * time.Second}, rec.delays)
	assert.Equal(t, 1, ready)
	assert.Equal(t, 5, ft.connects)
	assert.Equal(t, 1, ft.disconnected)
	assert.Equal(t, StatusClosed, s.Status())
}

func TestRun_LongOutageCapsDelay(t *testing.T) {
	updates := make([]Update, 0, 9)
	for range 8 {
		updates = append(updates, Update{Status: StatusClosed, Err: errors.New("stream error")})
	}
	updates = append(updates, Update{Status: StatusClosed, Code: CodeLoggedOut})
	ft := newFakeTransport(updates...)
	rec := &recordingAfter{}

	err := New(ft, WithAfter(rec.after)).Run(context.Background())

	require.ErrorIs(t, err, ErrLoggedOut)
	require.Len(t, rec.delays, 8)
	assert.Equal(t, 30*time.Second, rec.delays[5])
	assert.Equal(t, 30*time.Second, rec.delays[7])
}

func TestRun_ConnectErrorsAreTransient(t *testing.T) {
	ft := newFakeTransport(Update{Status: StatusClosed, Code: CodeLoggedOut})
	ft.connectErrs = []error{errors.New("dial"), errors.New("dial")}
	rec := &recordingAfter{}
	s := New(ft, WithAfter(rec.after))

	err := s.Run(context.Background())

	require.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, rec.delays)
	assert.Equal(t, 3, ft.connects)
	assert.Equal(t, 2, s.Retry())
}

func TestRun_ForwardsQR(t *testing.T) {
	ft := newFakeTransport(
		Update{Status: StatusConnecting, QR: "2@abc"},
		Update{Status: StatusConnecting, QR: "2@def"},
		Update{Status: StatusClosed, Code: CodeLoggedOut},
	)
	var codes []string
	err := New(ft, WithOnQR(func(code string) { codes = append(codes, code) })).Run(context.Background())

	require.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, []string{"2@abc", "2@def"}, codes)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ft := newFakeTransport(Update{Status: StatusOpen})
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ft, WithOnReady(cancel))

	err := s.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ft.disconnected)
	assert.Equal(t, 0, s.Retry())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "OPEN", StatusOpen.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
