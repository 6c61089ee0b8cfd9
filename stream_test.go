package streamql

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/driver/drivertest"
	"github.com/streamql/streamql/errs"
)

// recordReq counts the flow-control traffic a Stream generates.
type recordReq struct {
	pauses  atomic.Int32
	resumes atomic.Int32
	cancels atomic.Int32
}

func (r *recordReq) Bind(driver.Param)                                   {}
func (r *recordReq) Query(context.Context, string) ([]driver.Row, error) { return nil, nil }
func (r *recordReq) Stream(context.Context, string, driver.Sink)         {}
func (r *recordReq) Pause()                                              { r.pauses.Add(1) }
func (r *recordReq) Resume()                                             { r.resumes.Add(1) }
func (r *recordReq) Cancel()                                             { r.cancels.Add(1) }

func TestStream_FIFO(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT id FROM events")

	for i := 0; i < 5; i++ {
		s.OnRow(driver.Row{"id": i})
	}
	s.OnDone()

	var got []int
	for s.Next() {
		got = append(got, s.Row()["id"].(int))
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got, "rows come out in push order")
}

func TestStream_EmptyResult(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT id FROM empty")

	s.OnDone()

	assert.False(t, s.Next())
	assert.NoError(t, s.Err())
}

func TestStream_ErrorTerminates(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT broken")

	s.OnRow(driver.Row{"id": 1})
	boom := errors.New("division by zero")
	s.OnError(boom)

	require.True(t, s.Next(), "the row before the error is still delivered")
	assert.False(t, s.Next())

	err := s.Err()
	require.Error(t, err)
	assert.True(t, errs.IsQueryFailed(err))
	assert.ErrorIs(t, err, boom, "original cause preserved")
	assert.Contains(t, err.Error(), "SELECT broken", "annotated with the query text")
	assert.Equal(t, int32(1), req.cancels.Load(), "error cancels the request")
}

func TestStream_ErrorAnnotatedWithServerIdentity(t *testing.T) {
	d := drivertestConn(t)
	req := &recordReq{}
	s := newStream(req, d, "SELECT broken")

	s.OnError(errors.New("nope"))

	assert.False(t, s.Next())
	assert.Contains(t, s.Err().Error(), "db01/orders")
}

func TestStream_BackpressureHysteresis(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT * FROM big")
	s.pauseAbove = 8
	s.resumeBelow = 3

	// Fill beyond the high watermark: exactly one pause, even though the
	// buffer keeps growing.
	for i := 0; i < 12; i++ {
		s.OnRow(driver.Row{"id": i})
	}
	assert.Equal(t, int32(1), req.pauses.Load())
	assert.Equal(t, int32(0), req.resumes.Load())

	// Drain inside the hysteresis band: no resume while the buffer sits at
	// or above the low watermark.
	reads := 0
	for reads < 9 { // 12 buffered - 9 reads = 3 left, still at the low watermark
		require.True(t, s.Next())
		reads++
		assert.Equal(t, int32(0), req.resumes.Load(), "after %d reads", reads)
	}

	// The next read drops the buffer below the low watermark: one resume.
	require.True(t, s.Next())
	reads++
	assert.Equal(t, int32(1), req.resumes.Load(), "resume fires once below the low watermark")

	// Draining further causes no oscillation.
	for reads < 12 {
		require.True(t, s.Next())
		reads++
	}
	s.OnDone()
	assert.False(t, s.Next())
	assert.Equal(t, int32(1), req.pauses.Load())
	assert.Equal(t, int32(1), req.resumes.Load())
}

func TestStream_ConsumerWaitsForPush(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT slow")

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.OnRow(driver.Row{"id": 42})
		s.OnDone()
	}()

	require.True(t, s.Next(), "Next blocks until the driver pushes")
	assert.Equal(t, 42, s.Row()["id"])
	assert.False(t, s.Next())
	require.NoError(t, s.Err())
}

func TestStream_DoubleWaitIsInvariantViolation(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT x")

	first := make(chan bool)
	go func() {
		first <- s.Next()
	}()
	time.Sleep(20 * time.Millisecond) // let the first Next park

	assert.False(t, s.Next(), "second concurrent Next fails fast")
	assert.True(t, errs.IsInternalInvariant(s.Err()))

	s.OnDone()
	assert.False(t, <-first)
}

func TestStream_CloseCancelsRequest(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT * FROM big")

	s.OnRow(driver.Row{"id": 1})
	require.True(t, s.Next())

	s.Close()
	assert.Equal(t, int32(1), req.cancels.Load())
	assert.False(t, s.Next(), "closed stream yields nothing")

	// Idempotent.
	s.Close()
	assert.Equal(t, int32(1), req.cancels.Load())
}

func TestStream_CloseUnblocksWaiter(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT x")

	done := make(chan bool)
	go func() {
		done <- s.Next()
	}()
	time.Sleep(20 * time.Millisecond)

	s.Close()
	select {
	case got := <-done:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestStream_PushAfterCloseDropped(t *testing.T) {
	req := &recordReq{}
	s := newStream(req, nil, "SELECT x")
	s.Close()

	// Late events from the driver must not panic or resurrect the stream.
	s.OnRow(driver.Row{"id": 1})
	s.OnDone()
	assert.False(t, s.Next())
}

// drivertestConn builds a stub conn that only carries server identity.
func drivertestConn(t *testing.T) driver.Conn {
	t.Helper()
	return drivertest.New().Open(driver.ConnInfo{Server: "db01", Database: "orders"})
}
