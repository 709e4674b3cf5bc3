package stt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackProvider_FinalAndConfidence(t *testing.T) {
	p := NewLoopbackProvider()
	sc := testSessionContext()

	res, err := p.Transcribe(context.Background(), []byte("queixa principal: dor de cabeça há três dias"), sc)
	require.NoError(t, err)
	assert.True(t, res.IsFinal)
	assert.Equal(t, "queixa principal: dor de cabeça há três dias", res.Text)
	assert.Equal(t, DefaultConfidence, res.Confidence)

	res, err = p.Transcribe(context.Background(), []byte("[0.4] sem alterações"), sc)
	require.NoError(t, err)
	assert.Equal(t, "sem alterações", res.Text)
	assert.Equal(t, 0.4, res.Confidence)
}

func TestLoopbackProvider_PartialCarriesOver(t *testing.T) {
	p := NewLoopbackProvider()
	sc := testSessionContext()

	res, err := p.Transcribe(context.Background(), []byte("exame físico: abdome..."), sc)
	require.NoError(t, err)
	assert.False(t, res.IsFinal)

	res, err = p.Transcribe(context.Background(), []byte("flácido e indolor"), sc)
	require.NoError(t, err)
	assert.True(t, res.IsFinal)
	assert.Equal(t, "exame físico: abdome flácido e indolor", res.Text)
}

func TestLoopbackProvider_FinalizeFlushesPartial(t *testing.T) {
	p := NewLoopbackProvider()
	sc := testSessionContext()

	_, err := p.Transcribe(context.Background(), []byte("conduta: hidratação..."), sc)
	require.NoError(t, err)

	res, err := p.Finalize(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, res.IsFinal)
	assert.Equal(t, "conduta: hidratação", res.Text)

	res, err = p.Finalize(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestLoopbackProvider_RejectsBinary(t *testing.T) {
	p := NewLoopbackProvider()
	_, err := p.Transcribe(context.Background(), []byte{0xff, 0xfe, 0x00}, testSessionContext())
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.False(t, IsRetryable(err))
}
