package nostrtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIncoming_Event(t *testing.T) {
	raw := []byte(`["EVENT","sub1",{"id":"e1","pubkey":"pk1","created_at":100,"kind":1,"tags":[["e","x"]],"content":"hi","sig":"s"}]`)
	in, err := DecodeIncoming(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameEvent, in.Kind)
	assert.Equal(t, "sub1", in.SubID)
	require.NotNil(t, in.Event)
	assert.Equal(t, "e1", in.Event.ID)
	assert.Equal(t, "x", in.Event.FirstTag("e").Value(1))
}

func TestDecodeIncoming_OK(t *testing.T) {
	in, err := DecodeIncoming([]byte(`["OK","e1",true,""]`))
	require.NoError(t, err)
	assert.Equal(t, FrameOK, in.Kind)
	assert.True(t, in.Accepted)
	assert.Equal(t, "e1", in.EventID)
}

func TestDecodeIncoming_EOSE(t *testing.T) {
	in, err := DecodeIncoming([]byte(`["EOSE","sub1"]`))
	require.NoError(t, err)
	assert.Equal(t, FrameEOSE, in.Kind)
	assert.Equal(t, "sub1", in.SubID)
}

func TestDecodeIncoming_Notice(t *testing.T) {
	in, err := DecodeIncoming([]byte(`["NOTICE","rate limited"]`))
	require.NoError(t, err)
	assert.Equal(t, FrameNotice, in.Kind)
	assert.Equal(t, "rate limited", in.Text)
}

func TestDecodeIncoming_Auth(t *testing.T) {
	in, err := DecodeIncoming([]byte(`["AUTH","challenge123"]`))
	require.NoError(t, err)
	assert.Equal(t, FrameAuth, in.Kind)
	assert.Equal(t, "challenge123", in.Challenge)
}

func TestDecodeIncoming_ShapeMismatch(t *testing.T) {
	_, err := DecodeIncoming([]byte(`["OK","e1",true]`))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = DecodeIncoming([]byte(`{"not":"an array"}`))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = DecodeIncoming([]byte(`[]`))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestDecodeIncoming_UnknownTag(t *testing.T) {
	_, err := DecodeIncoming([]byte(`["FUTURE","x"]`))
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestEncodeReq(t *testing.T) {
	since := int64(100)
	out, err := EncodeReq("sub1", []Filter{{Kinds: []int{1}, Since: &since, Tags: map[string][]string{"e": {"abc"}}}})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"REQ"`)
	assert.Contains(t, string(out), `"sub1"`)
	assert.Contains(t, string(out), `"#e":["abc"]`)
}

func TestEncodeClose(t *testing.T) {
	out, err := EncodeClose("sub1")
	require.NoError(t, err)
	assert.JSONEq(t, `["CLOSE","sub1"]`, string(out))
}
