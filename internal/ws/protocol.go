package ws

import "marketsync/internal/feed"

type FrameType string

const (
	// Client to server.
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"

	// Server to client.
	FrameSubscribed FrameType = "subscribed"
	FrameChange     FrameType = "change"
	FrameSignal     FrameType = "signal"
	FrameError      FrameType = "error"
)

// ClientFrame asks the server to start or stop a subscription. ID is chosen
// by the client and tags every frame of that subscription.
type ClientFrame struct {
	Type   FrameType `json:"type"`
	ID     uint64    `json:"id"`
	Table  string    `json:"table,omitempty"`
	Filter string    `json:"filter,omitempty"`
}

func (f ClientFrame) Key() (feed.Key, error) {
	filter, err := feed.ParseFilter(f.Filter)
	if err != nil {
		return feed.Key{}, err
	}
	return feed.Key{Table: f.Table, Filter: filter}, nil
}

type ServerFrame struct {
	Type   FrameType    `json:"type"`
	ID     uint64       `json:"id"`
	Change *feed.Change `json:"change,omitempty"`
	Signal feed.Signal  `json:"signal,omitempty"`
	Error  string       `json:"error,omitempty"`
}
