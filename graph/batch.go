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
	"fmt"

	"golang.org/x/sync/errgroup"
)

// defaultBatchConcurrency bounds Batch when no limit is given.
const defaultBatchConcurrency = 8

// BatchRequest is one run of a Batch call.
type BatchRequest struct {
	Input   State
	Options []RunOption
}

// BatchResult pairs a request with its outcome. Index is the position of the
// request in the Batch argument.
type BatchResult struct {
	Index  int
	Result *Result
	Err    error
}

// BatchOption configures a Batch call.
type BatchOption func(*batchOptions)

type batchOptions struct {
	concurrency int
	failFast    bool
}

// WithBatchConcurrency limits the runs in flight. Values below one use the
// default.
func WithBatchConcurrency(n int) BatchOption {
	return func(o *batchOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBatchFailFast cancels the remaining runs after the first failure.
// Cancelled runs report an ErrorKindCancelled error.
func WithBatchFailFast(failFast bool) BatchOption {
	return func(o *batchOptions) { o.failFast = failFast }
}

// Batch runs independent requests concurrently and returns one result per
// request in request order. Requests sharing a thread id race like
// concurrent Invoke calls on that thread; give each its own thread.
func (g *Graph) Batch(ctx context.Context, reqs []BatchRequest, opts ...BatchOption) []BatchResult {
	o := batchOptions{concurrency: defaultBatchConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	results := make([]BatchResult, len(reqs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.concurrency)
	runCtx := ctx
	if o.failFast {
		runCtx = egCtx
	}
	for i, req := range reqs {
		eg.Go(func() error {
			results[i].Index = i
			if err := runCtx.Err(); err != nil {
				results[i].Err = newError(ErrorKindCancelled, "", 0, err)
				return nil
			}
			res, err := g.invokeSafe(runCtx, req)
			results[i].Result, results[i].Err = res, err
			if err != nil && o.failFast {
				return err
			}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// invokeSafe keeps a panic of one batch run from taking the others down.
func (g *Graph) invokeSafe(ctx context.Context, req BatchRequest) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, newError(ErrorKindNodeFatal, "", 0, fmt.Errorf("batch run panicked: %v", r))
		}
	}()
	return g.Invoke(ctx, req.Input, req.Options...)
}
