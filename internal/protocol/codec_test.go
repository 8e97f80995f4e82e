// ABOUTME: Tests for the protocol envelope codec and variant dispatch.
// ABOUTME: Covers nested option decoding, untyped payloads, unknown ops, and direction checks.

package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shard-fleet/internal/session"
	"github.com/2389/shard-fleet/internal/shard"
)

func TestDecodeCommand_Destroy(t *testing.T) {
	data, err := EncodeCommand(Destroy{
		ShardID: 3,
		Options: shard.DestroyOptions{Code: 4000, Reason: "restart", Recover: shard.RecoverResume},
	})
	require.NoError(t, err)

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)

	d, ok := cmd.(Destroy)
	require.True(t, ok, "expected Destroy, got %T", cmd)
	assert.Equal(t, 3, d.ShardID)
	assert.Equal(t, shard.RecoverResume, d.Options.Recover)
	assert.Equal(t, 4000, d.Options.Code)
}

func TestDecodeCommand_SendPayloadIsStringKeyed(t *testing.T) {
	data, err := EncodeCommand(Send{ShardID: 1, Payload: map[string]any{"op": 3, "d": map[string]any{"status": "online"}}})
	require.NoError(t, err)

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)

	payload, ok := cmd.(Send).Payload.(map[string]any)
	require.True(t, ok)
	inner, ok := payload["d"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "online", inner["status"])
}

func TestDecodeReply_SessionRequest(t *testing.T) {
	data, err := EncodeReply(UpdateSessionInfo{ShardID: 2, Session: &session.Info{SessionID: "s", Sequence: 5, ShardID: 2, ShardCount: 4}})
	require.NoError(t, err)

	reply, err := DecodeReply(data)
	require.NoError(t, err)
	u := reply.(UpdateSessionInfo)
	require.NotNil(t, u.Session)
	assert.Equal(t, int64(5), u.Session.Sequence)

	data, err = EncodeReply(UpdateSessionInfo{ShardID: 2})
	require.NoError(t, err)
	reply, err = DecodeReply(data)
	require.NoError(t, err)
	assert.Nil(t, reply.(UpdateSessionInfo).Session)
}

func TestDecode_WrongDirectionIsUnknown(t *testing.T) {
	data, err := EncodeReply(Connected{ShardID: 1})
	require.NoError(t, err)

	_, err = DecodeCommand(data)
	assert.ErrorIs(t, err, ErrUnknownOp)

	data, err = EncodeCommand(Connect{ShardID: 1})
	require.NoError(t, err)
	_, err = DecodeReply(data)
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := DecodeCommand([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)

	_, err = DecodeReply(nil)
	assert.Error(t, err)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "fetch_status", OpFetchStatus.String())
	assert.Equal(t, "worker_ready", OpWorkerReady.String())
	assert.Equal(t, "op(200)", Op(200).String())
}

type recordingHandler struct {
	seen []string
}

func (h *recordingHandler) HandleConnect(ctx context.Context, cmd Connect) {
	h.seen = append(h.seen, "connect")
}
func (h *recordingHandler) HandleDestroy(ctx context.Context, cmd Destroy) {
	h.seen = append(h.seen, "destroy")
}
func (h *recordingHandler) HandleSend(ctx context.Context, cmd Send) {
	h.seen = append(h.seen, "send")
}
func (h *recordingHandler) HandleFetchStatus(ctx context.Context, cmd FetchStatus) {
	h.seen = append(h.seen, "fetch_status:"+cmd.Nonce)
}
func (h *recordingHandler) HandleSessionInfoResponse(ctx context.Context, cmd SessionInfoResponse) {
	h.seen = append(h.seen, "session_info_response")
}
func (h *recordingHandler) HandleShardCanIdentify(ctx context.Context, cmd ShardCanIdentify) {
	h.seen = append(h.seen, "shard_can_identify")
}

func TestCommand_Dispatch(t *testing.T) {
	h := &recordingHandler{}
	cmds := []Command{
		Connect{ShardID: 0},
		Destroy{ShardID: 0},
		Send{ShardID: 0},
		FetchStatus{ShardID: 0, Nonce: "n1"},
		SessionInfoResponse{Nonce: "n2"},
		ShardCanIdentify{Nonce: "n3"},
	}
	for _, c := range cmds {
		c.Dispatch(context.Background(), h)
	}
	assert.Equal(t, []string{
		"connect", "destroy", "send", "fetch_status:n1", "session_info_response", "shard_can_identify",
	}, h.seen)
}
