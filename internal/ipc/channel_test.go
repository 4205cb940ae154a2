package ipc

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	local, remote, err := Pair()
	require.NoError(t, err)
	a, err := NewChannel(local)
	require.NoError(t, err)
	b, err := NewChannel(remote)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

type payload struct {
	Seq  int               `json:"seq"`
	Text string            `json:"text"`
	Tags map[string]string `json:"tags,omitempty"`
}

func TestMessagesArriveInOrderAndIntact(t *testing.T) {
	a, b := newPair(t)

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Send(payload{Seq: i, Text: "line\nbreak", Tags: map[string]string{"k": strconv.Itoa(i)}}, nil))
	}

	for i := 0; i < 50; i++ {
		msg, h, err := b.Receive()
		require.NoError(t, err)
		assert.Nil(t, h)
		var got payload
		require.NoError(t, msg.Decode(&got))
		assert.Equal(t, payload{Seq: i, Text: "line\nbreak", Tags: map[string]string{"k": strconv.Itoa(i)}}, got)
	}
}

func TestRawMessagePassesThroughUnchanged(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.Send(Message(`{"a":[1,2,{"b":null}]}`), nil))
	msg, _, err := b.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2,{"b":null}]}`, msg.String())
}

func TestHandleTransfer(t *testing.T) {
	a, b := newPair(t)

	path := filepath.Join(t.TempDir(), "shared.txt")
	require.NoError(t, os.WriteFile(path, []byte("over the wire"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, a.Send(map[string]string{"kind": "file"}, NewHandle(f)))
	require.NoError(t, a.Send("after", nil))

	msg, h, err := b.Receive()
	require.NoError(t, err)
	require.NotNil(t, h)
	defer h.Close()
	assert.JSONEq(t, `{"kind":"file"}`, msg.String())

	data, err := io.ReadAll(h.File())
	require.NoError(t, err)
	assert.Equal(t, "over the wire", string(data))

	msg, h, err = b.Receive()
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Equal(t, `"after"`, msg.String())
}

func TestHandleSurvivesSenderClosingItsCopy(t *testing.T) {
	a, b := newPair(t)

	path := filepath.Join(t.TempDir(), "shared.txt")
	require.NoError(t, os.WriteFile(path, []byte("still readable"), 0o600))

	for i := 0; i < 20; i++ {
		f, err := os.Open(path)
		require.NoError(t, err)
		require.NoError(t, a.Send(i, NewHandle(f)))
		require.NoError(t, f.Close())
	}

	for i := 0; i < 20; i++ {
		msg, h, err := b.Receive()
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, strconv.Itoa(i), msg.String())
		data, err := io.ReadAll(h.File())
		require.NoError(t, err)
		assert.Equal(t, "still readable", string(data))
		require.NoError(t, h.Close())
	}
}

func TestReadDeadlineKeepsChannelReadable(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err := b.Receive()
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.NoError(t, b.SetReadDeadline(time.Time{}))
	require.NoError(t, a.Send("after deadline", nil))
	msg, _, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, `"after deadline"`, msg.String())
}

func TestCloseFlushesQueuedMessagesThenSignalsEOF(t *testing.T) {
	a, b := newPair(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(i, nil))
	}
	require.NoError(t, a.Close())
	assert.False(t, a.Connected())
	assert.ErrorIs(t, a.Send("late", nil), ErrClosed)

	for i := 0; i < 10; i++ {
		msg, _, err := b.Receive()
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), msg.String())
	}
	_, _, err := b.Receive()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-a.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not release its socket")
	}
}

func TestLocalCloseUnblocksReceive(t *testing.T) {
	a, _ := newPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := a.Receive()
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestMalformedFrameKeepsChannelUsable(t *testing.T) {
	local, remote, err := Pair()
	require.NoError(t, err)
	b, err := NewChannel(remote)
	require.NoError(t, err)
	defer b.Close()
	defer local.Close()

	_, err = local.Write([]byte("not json\n{\"msg\":42}\n"))
	require.NoError(t, err)

	_, _, err = b.Receive()
	assert.True(t, errors.Is(err, ErrMalformedFrame), "got %v", err)

	msg, _, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "42", msg.String())
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvChannelFD, "")
	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrNoChannel)

	local, remote, err := Pair()
	require.NoError(t, err)
	fd, err := unix.Dup(int(remote.Fd()))
	require.NoError(t, err)
	require.NoError(t, remote.Close())

	parent, err := NewChannel(local)
	require.NoError(t, err)
	defer parent.Close()

	t.Setenv(EnvChannelFD, strconv.Itoa(fd))
	child, err := FromEnv()
	require.NoError(t, err)
	defer child.Close()
	assert.Empty(t, os.Getenv(EnvChannelFD))

	require.NoError(t, child.Send(map[string]int{"pong": 1}, nil))
	msg, _, err := parent.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":1}`, msg.String())
}

func TestFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv(EnvChannelFD, "three")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestWriteErrorHandlerFiresWhenPeerIsGone(t *testing.T) {
	local, remote, err := Pair()
	require.NoError(t, err)

	errs := make(chan error, 1)
	a, err := NewChannel(local, WithWriteErrorHandler(func(err error) { errs <- err }))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, remote.Close())

	deadline := time.After(2 * time.Second)
	for {
		if err := a.Send("ping", nil); err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			break
		}
		select {
		case <-deadline:
			t.Fatal("write error never surfaced")
		case <-time.After(5 * time.Millisecond):
		}
	}
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write error handler not called")
	}
}
