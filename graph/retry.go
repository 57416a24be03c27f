//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default retry settings.
const (
	defaultRetryMaxAttempts = 3
	defaultRetryInitial     = 500 * time.Millisecond
	defaultRetryFactor      = 2.0
	defaultRetryMax         = 128 * time.Second
)

// RetryPolicy controls how transient node failures are retried.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// Jitter scales every delay by a random factor in [0.5, 1.5), capped at
	// MaxInterval.
	Jitter bool `yaml:"jitter"`
	// RetryOn decides whether an error is retried. Nil uses IsTransient.
	RetryOn func(error) bool `yaml:"-"`
}

// DefaultRetryPolicy returns three attempts with exponential backoff from
// 500ms capped at 128s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultRetryMaxAttempts,
		InitialInterval: defaultRetryInitial,
		BackoffFactor:   defaultRetryFactor,
		MaxInterval:     defaultRetryMax,
		Jitter:          true,
	}
}

// NoRetry runs a node once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryable(err error) bool {
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return IsTransient(err)
}

// Delay returns the wait before the given 1-based retry.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 || p.InitialInterval <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialInterval)
	for i := 1; i < retry; i++ {
		d *= factor
		if p.MaxInterval > 0 && d >= float64(p.MaxInterval) {
			d = float64(p.MaxInterval)
			break
		}
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	return time.Duration(d)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
