//go:build !unix

package signals

import (
	"context"
	"log/slog"
	"time"
)

// Reaper does nothing where orphans are not re-parented
type Reaper struct{}

func NewReaper(time.Duration, func(int) bool, *slog.Logger) *Reaper { return &Reaper{} }

func (r *Reaper) Run(context.Context) {}

func (r *Reaper) ReapOnce(context.Context) int { return 0 }
