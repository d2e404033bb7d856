package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAllow(t *testing.T) {
	tr := NewTracker()
	wait := tr.Register(Request{RequestID: "r1", ToolName: "bash"})

	assert.True(t, tr.Pending("r1"))
	assert.True(t, tr.Resolve(Response{RequestID: "r1", Allow: true}))

	resp, err := wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Allow)
	assert.False(t, tr.Pending("r1"))
}

func TestTrackerDeny(t *testing.T) {
	tr := NewTracker()
	wait := tr.Register(Request{RequestID: "r1", ToolName: "bash"})

	tr.Resolve(Response{RequestID: "r1", Allow: false, Reason: "no"})

	_, err := wait(context.Background())
	require.Error(t, err)
	assert.True(t, IsRejectedError(err))
}

func TestTrackerFirstResolveWins(t *testing.T) {
	tr := NewTracker()
	wait := tr.Register(Request{RequestID: "r1", ToolName: "edit"})

	assert.True(t, tr.Resolve(Response{RequestID: "r1", Allow: true}))
	assert.False(t, tr.Resolve(Response{RequestID: "r1", Allow: false}))

	resp, err := wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Allow)
}

func TestTrackerResolveUnknownRequest(t *testing.T) {
	tr := NewTracker()
	assert.False(t, tr.Resolve(Response{RequestID: "missing", Allow: true}))
}

func TestTrackerContextCancel(t *testing.T) {
	tr := NewTracker()
	wait := tr.Register(Request{RequestID: "r1", ToolName: "bash"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrackerCancel(t *testing.T) {
	tr := NewTracker()
	tr.Register(Request{RequestID: "r1", ToolName: "bash"})
	tr.Cancel("r1")
	assert.False(t, tr.Pending("r1"))
	assert.False(t, tr.Resolve(Response{RequestID: "r1", Allow: true}))
}
