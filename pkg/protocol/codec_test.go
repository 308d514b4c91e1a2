package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderWritesOneLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Send(&Message{ID: "1", Type: TypePing}))
	require.NoError(t, enc.Send(&Message{Type: TypeLog, Level: "info", Text: "hello"}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"1","type":"ping"}`, lines[0])
	assert.JSONEq(t, `{"type":"log","level":"info","message":"hello"}`, lines[1])
}

func TestEncoderConcurrentSends(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc.Send(&Message{Type: TypeLog, Text: strings.Repeat("x", 512)})
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, TypeLog, msg.Type)
		count++
	}
	assert.Equal(t, 50, count)
}

func TestDecoderSkipsBlankLinesAndSurvivesMalformed(t *testing.T) {
	input := "\n{\"id\":\"a\",\"type\":\"ping\"}\nnot json\n\n{\"id\":\"b\",\"result\":\"pong\"}\n"
	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", msg.ID)
	assert.False(t, msg.IsReply())

	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrMalformed)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", msg.ID)
	assert.True(t, msg.IsReply())
	assert.JSONEq(t, `"pong"`, string(msg.Result))

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewRequestAndReplies(t *testing.T) {
	req, err := NewRequest("r1", TypeCallHook, CallHookPayload{Hook: "entity.created"})
	require.NoError(t, err)
	assert.Equal(t, TypeCallHook, req.Type)
	assert.JSONEq(t, `{"hook":"entity.created","meta":{}}`, string(req.Payload))

	bare, err := NewRequest("r2", TypePing, nil)
	require.NoError(t, err)
	assert.Nil(t, bare.Payload)

	reply, err := NewReply("r1", HookResult{Handled: true})
	require.NoError(t, err)
	assert.True(t, reply.IsReply())
	assert.JSONEq(t, `{"handled":true,"modified":false}`, string(reply.Result))

	assert.Equal(t, "error", NewErrorReply("r3", "").Error)
	assert.Equal(t, ErrCodeRouteNotFound, NewErrorReply("r3", ErrCodeRouteNotFound).Error)

	_, err = NewRequest("r4", TypeCallRoute, make(chan int))
	assert.Error(t, err)
}
