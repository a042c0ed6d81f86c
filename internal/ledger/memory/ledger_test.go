package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

func TestLedgerLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewProvider()
	r := harvest.Range{Start: 10, End: 20}

	l, err := p.Open(ctx, r)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, 11))
	require.NoError(t, l.Append(ctx, 15))

	err = l.Append(ctx, 11)
	assert.True(t, errors.Is(err, harvest.ErrAlreadyRecorded))

	ids, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 15}, ids)
	assert.Equal(t, []int64{11, 15}, p.Records(r))

	require.NoError(t, p.Reset(ctx, r))
	assert.Empty(t, p.Records(r))
	require.NoError(t, p.Reset(ctx, harvest.Range{Start: 1, End: 2}))
	require.NoError(t, l.Close())
}
