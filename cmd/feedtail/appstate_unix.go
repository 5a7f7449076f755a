//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"marketsync/internal/resume"
)

// forwardAppState treats SIGCONT as a return from the background.
func forwardAppState(ctx context.Context, states chan<- resume.AppState) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGCONT)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			for _, s := range []resume.AppState{resume.Background, resume.Active} {
				select {
				case states <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
