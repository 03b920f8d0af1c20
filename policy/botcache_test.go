package policy

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	mock_store "github.com/doed/messenger/store/mock"
)

func TestBotCacheLazyLoad(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	st := mock_store.NewMockIStore(ctrl)

	// One load serves any number of lookups.
	st.EXPECT().ListBotIDs(gomock.Any()).Return([]int64{3, 7}, nil).Times(1)

	c := NewBotCache(st)
	ctx := context.Background()

	ok, err := c.Contains(ctx, 3)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Contains(ctx, 2)
	assert.NoError(t, err)
	assert.False(t, ok)

	ids, err := c.IDs(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []int64{3, 7}, ids)
}

func TestBotCacheInvalidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	st := mock_store.NewMockIStore(ctrl)

	gomock.InOrder(
		st.EXPECT().ListBotIDs(gomock.Any()).Return([]int64{3}, nil),
		st.EXPECT().ListBotIDs(gomock.Any()).Return([]int64{3, 9}, nil),
	)

	c := NewBotCache(st)
	ctx := context.Background()

	ok, err := c.Contains(ctx, 9)
	assert.NoError(t, err)
	assert.False(t, ok)

	c.Invalidate()

	ok, err = c.Contains(ctx, 9)
	assert.NoError(t, err)
	assert.True(t, ok)
}
