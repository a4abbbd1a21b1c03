//go:build !unix

package cli

import "context"

func toggleSignal(context.Context) <-chan struct{} { return nil }
