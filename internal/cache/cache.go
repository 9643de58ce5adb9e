package cache

import (
	"context"

	"github.com/Arefin090/finnigram/internal/repo"
)

// Directory is the conversation directory as seen by callers of the cache;
// the cached implementation is a drop-in for repo.ConversationDirectory.
type Directory interface {
	repo.ConversationDirectory
	Invalidate(ctx context.Context, conversationID string) error
}

func participantsKey(conversationID string) string {
	return "conv:participants:" + conversationID
}
