//go:build !unix

package main

import (
	"context"

	"marketsync/internal/resume"
)

func forwardAppState(ctx context.Context, states chan<- resume.AppState) {
	<-ctx.Done()
}
