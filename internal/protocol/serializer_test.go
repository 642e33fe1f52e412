package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/annel0/mmo-zones/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func newSerializer(t *testing.T, threshold int) *MessageSerializer {
	t.Helper()
	ms, err := NewMessageSerializer(threshold)
	require.NoError(t, err)
	t.Cleanup(ms.Close)
	return ms
}

func TestSerializer_FrameLayout(t *testing.T) {
	ms := newSerializer(t, 0)

	frame, err := ms.Encode(&SwitchDirective{PlayerName: "Alice", ZoneName: "Cave"})
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(frame[:4])
	assert.Equal(t, len(frame)-4, int(length))
	assert.Equal(t, byte(MsgSwitchDirective), frame[4])
	assert.Equal(t, byte(0), frame[5])

	msg, err := ms.Decode(frame)
	require.NoError(t, err)
	sd, ok := msg.(*SwitchDirective)
	require.True(t, ok)
	assert.Equal(t, "Alice", sd.PlayerName)
	assert.Equal(t, "Cave", sd.ZoneName)
	assert.Empty(t, sd.Ticket)
}

func TestSerializer_CompressesLargeBodies(t *testing.T) {
	ms := newSerializer(t, 64)
	ticket := strings.Repeat("eyJhbGciOiJIUzI1NiJ9.", 40)

	frame, err := ms.Encode(&Login{Player: "Alice", Ticket: ticket})
	require.NoError(t, err)
	assert.Equal(t, FlagCompressed, frame[5]&FlagCompressed)
	assert.Less(t, len(frame), len(ticket))

	msg, err := ms.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, ticket, msg.(*Login).Ticket)
}

func TestSerializer_LoginResultPosition(t *testing.T) {
	ms := newSerializer(t, DefaultCompressThreshold)

	in := &LoginResult{OK: true, Zone: "Cave", Anchor: "spawn1", Position: vec.New(10, 0, -4.5)}
	frame, err := ms.Encode(in)
	require.NoError(t, err)

	out, err := ms.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSerializer_StreamReadWrite(t *testing.T) {
	ms := newSerializer(t, DefaultCompressThreshold)
	var buf bytes.Buffer

	require.NoError(t, ms.WriteMessage(&buf, &Ping{Nonce: 42}))
	require.NoError(t, ms.WriteMessage(&buf, &Login{Player: "Bob"}))
	require.NoError(t, ms.WriteMessage(&buf, &Kick{Reason: KickReplaced}))

	first, err := ms.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), first.(*Ping).Nonce)

	second, err := ms.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Bob", second.(*Login).Player)

	third, err := ms.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, &Kick{Reason: KickReplaced}, third)
}

func TestSerializer_SkipsUnknownFields(t *testing.T) {
	ms := newSerializer(t, 0)

	body := (&Login{Player: "Alice"}).appendBody(nil)
	body = protowire.AppendTag(body, 15, protowire.VarintType)
	body = protowire.AppendVarint(body, 7)

	frame := make([]byte, 4)
	binary.BigEndian.PutUint32(frame, uint32(2+len(body)))
	frame = append(frame, byte(MsgLogin), 0)
	frame = append(frame, body...)

	msg, err := ms.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "Alice", msg.(*Login).Player)
}

func TestSerializer_RejectsBadFrames(t *testing.T) {
	ms := newSerializer(t, 0)

	_, err := ms.Decode([]byte{0, 0})
	assert.Error(t, err)

	_, err = ms.Decode([]byte{0, 0, 0, 9, byte(MsgPing), 0})
	assert.Error(t, err, "длина не совпадает")

	_, err = ms.Decode([]byte{0, 0, 0, 2, 99, 0})
	assert.Error(t, err, "неизвестный тип")

	huge := make([]byte, 4)
	binary.BigEndian.PutUint32(huge, MaxFrameSize+1)
	_, err = ms.ReadMessage(bytes.NewReader(huge))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	truncated := []byte{0, 0, 0, 2, byte(MsgLogin), 0, 0x0a, 0x05, 'A'}
	binary.BigEndian.PutUint32(truncated, uint32(len(truncated)-4))
	_, err = ms.Decode(truncated)
	assert.Error(t, err, "обрезанная строка")

	_, err = ms.Encode(nil)
	assert.Error(t, err)
}

func TestMsgType_String(t *testing.T) {
	assert.Equal(t, "SwitchDirective", MsgSwitchDirective.String())
	assert.Equal(t, "Kick", MsgKick.String())
	assert.Equal(t, "MsgType(77)", MsgType(77).String())
}
