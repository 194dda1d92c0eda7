package wal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeLayout(t *testing.T) {
	p := AppendEnvelope(nil, EnvelopeBegin, FormatVersion, []byte("payload"), 0xdeadbeef)

	assert.Len(t, p, HeaderSize+7)
	assert.Equal(t, byte(EnvelopeBegin), p[4])
	assert.Equal(t, uint32(7), byteOrder.Uint32(p[5:]))
	assert.Equal(t, FormatVersion, p[9])
	assert.Equal(t, uint32(0xdeadbeef), byteOrder.Uint32(p[10:]))
	assert.Equal(t, checksum(p[4:]), byteOrder.Uint32(p[0:]))

	env, err := DecodeEnvelope(p)
	assert.Nil(t, err)
	assert.Equal(t, EnvelopeBegin, env.Type)
	assert.Equal(t, uint32(0xdeadbeef), env.PreviousChecksum)
	assert.Equal(t, "payload", string(env.Payload))
	assert.Equal(t, len(p), env.Size())
}

func TestEnvelopeChecksumCoversEveryByte(t *testing.T) {
	p := AppendEnvelope(nil, EnvelopeFull, FormatVersion, []byte{1, 2, 3, 4}, 42)
	for i := range p {
		q := append([]byte{}, p...)
		q[i] ^= 0x01
		_, err := DecodeEnvelope(q)
		assert.NotNil(t, err, "flipped byte %d", i)
	}
}

func TestDecodeHeader(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize))
	assert.True(t, errors.Is(err, ErrPadding))

	_, err = DecodeHeader(make([]byte, HeaderSize-1))
	assert.True(t, errors.Is(err, ErrShortEnvelope))

	p := AppendEnvelope(nil, EnvelopeFull, 2, nil, 0)
	_, err = DecodeHeader(p)
	assert.True(t, errors.Is(err, ErrUnknownFormat))

	p = AppendEnvelope(nil, EnvelopeType(9), FormatVersion, nil, 0)
	_, err = DecodeHeader(p)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestDecodeEnvelopeShort(t *testing.T) {
	p := AppendEnvelope(nil, EnvelopeFull, FormatVersion, make([]byte, 10), 0)
	_, err := DecodeEnvelope(p[:len(p)-1])
	assert.True(t, errors.Is(err, ErrShortEnvelope))
}

func TestChainedChecksums(t *testing.T) {
	a := AppendEnvelope(nil, EnvelopeFull, FormatVersion, []byte("a"), 0)
	sumA := byteOrder.Uint32(a)
	b1 := AppendEnvelope(nil, EnvelopeFull, FormatVersion, []byte("b"), sumA)
	b2 := AppendEnvelope(nil, EnvelopeFull, FormatVersion, []byte("b"), sumA+1)
	// same payload, different predecessor
	assert.NotEqual(t, byteOrder.Uint32(b1), byteOrder.Uint32(b2))
}
