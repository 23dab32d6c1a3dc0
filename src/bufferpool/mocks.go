package bufferpool

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/walapply/src/pkg/common"
)

type MockFetcher struct {
	mock.Mock
}

var _ Fetcher = &MockFetcher{}

func (m *MockFetcher) Fetch(ctx context.Context, pageID common.PageID, buf []byte) (bool, error) {
	args := m.Called(ctx, pageID, buf)
	return args.Bool(0), args.Error(1)
}
