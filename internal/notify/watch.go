package notify

import (
	"context"

	"marketsync/internal/channel"
	"marketsync/internal/feed"
	"marketsync/internal/models"
)

// WatchMessages pushes every new message to its recipient until the handle
// is closed. Push failures are logged.
func (w *WebPush) WatchMessages(ctx context.Context, channels *channel.Manager) *channel.Handle {
	return channel.Open(channels, feed.Key{Table: models.TableMessages}, channel.Handlers[models.Message]{
		OnInsert: func(e channel.Insert[models.Message]) {
			if err := w.NotifyMessage(ctx, e.Record); err != nil {
				w.logger.Warn("failed to push message", "message_id", e.Record.ID, "conversation_id", e.Record.ConversationID, "error", err)
			}
		},
	})
}
