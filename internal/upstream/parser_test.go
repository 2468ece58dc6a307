package upstream

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putFloat64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func putInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func ltpPacket(exchange string, token int32, price float64) []byte {
	var buf bytes.Buffer
	ex := make([]byte, 10)
	copy(ex, exchange)
	buf.Write(ex)
	putInt32(&buf, token)
	putFloat64(&buf, price)
	return buf.Bytes()
}

func frameOf(packets ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range packets {
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(p)))
		buf.Write(lenBuf[:])
		buf.Write(p)
	}
	return buf.Bytes()
}

func TestParseFrame_LTPPacket(t *testing.T) {
	p := NewParser(nil)
	packet := ltpPacket("NSE_EQ", 256265, 123.45)
	require.Len(t, packet, 22)

	ticks, err := p.ParseFrame(frameOf(packet))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, int32(256265), tick.Token)
	assert.Equal(t, "NSE_EQ", string(tick.Exchange))
	assert.InDelta(t, 123.45, tick.LastPrice, 1e-9)
	assert.Nil(t, tick.OHLC)
	assert.Nil(t, tick.Volume)
}

func TestParseFrame_MultiplePacketsInOneFrame(t *testing.T) {
	p := NewParser(nil)
	a := ltpPacket("NSE_EQ", 1, 10)
	b := ltpPacket("NSE_EQ", 2, 20)

	ticks, err := p.ParseFrame(frameOf(a, b))
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, int32(1), ticks[0].Token)
	assert.Equal(t, int32(2), ticks[1].Token)
}

func TestParseFrame_MalformedLengthPrefixErrors(t *testing.T) {
	p := NewParser(nil)
	var buf bytes.Buffer
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], 9999)
	buf.Write(lenBuf[:])
	buf.Write([]byte{1, 2, 3})

	_, err := p.ParseFrame(buf.Bytes())
	assert.Error(t, err)
}

func TestParseFrame_IndexUnknownWhenRegistryCold(t *testing.T) {
	p := NewParser(func(int32) (string, bool) { return "", false })
	packet := ltpPacket("NSE_EQ", 256265, 1)

	ticks, err := p.ParseFrame(frameOf(packet))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.True(t, ticks[0].IndexUnknown)
}
