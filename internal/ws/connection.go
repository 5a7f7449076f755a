package ws

import (
	"context"
	"errors"
	"sync"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type peerHub interface {
	Join(userID string) *Peer
	Leave(p *Peer)
	Dispatch(ctx context.Context, p *Peer, f ClientFrame) *ServerFrame
}

type Connection struct {
	ws         wsConnection
	hub        peerHub
	peer       *Peer
	fromClient chan ClientFrame
	errorCh    chan error
}

func NewConnection(
	hub peerHub,
	ws wsConnection,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		peer:       hub.Join(userID),
		fromClient: make(chan ClientFrame),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.peer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		var f ClientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			return err
		}
		select {
		case c.fromClient <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case f := <-c.fromClient:
			if reply := c.hub.Dispatch(ctx, c.peer, f); reply != nil {
				if err := c.ws.WriteJSON(*reply); err != nil {
					return err
				}
			}
		case f, ok := <-c.peer.Out():
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
