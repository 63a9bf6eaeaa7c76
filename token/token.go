// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package token implements one-shot completion tokens. A token is settled
// exactly once, either resolved with a value or rejected with an error. Waiters
// and continuations observe the same outcome.
package token

import (
	"context"
	"sync"
)

// Token is a one-shot result
type Token[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns a pending Token
func New[T any]() *Token[T] {
	return &Token[T]{done: make(chan struct{})}
}

// Resolved returns a Token that is already resolved with v
func Resolved[T any](v T) *Token[T] {
	t := New[T]()
	t.Resolve(v)
	return t
}

// Rejected returns a Token that is already rejected with err
func Rejected[T any](err error) *Token[T] {
	t := New[T]()
	t.Reject(err)
	return t
}

func (t *Token[T]) settle(v T, err error) (settled bool) {
	t.once.Do(func() {
		t.value, t.err = v, err
		close(t.done)
		settled = true
	})
	return
}

// Resolve the token with v. Returns false if the token was already settled.
func (t *Token[T]) Resolve(v T) bool {
	return t.settle(v, nil)
}

// Reject the token with err. Returns false if the token was already settled.
func (t *Token[T]) Reject(err error) bool {
	var zero T
	return t.settle(zero, err)
}

// Done is closed when the token settles
func (t *Token[T]) Done() <-chan struct{} {
	return t.done
}

// Settled returns true once the token was resolved or rejected
func (t *Token[T]) Settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns the rejection error. It is nil while pending and after a resolve.
func (t *Token[T]) Err() error {
	if !t.Settled() {
		return nil
	}
	return t.err
}

// Wait blocks until the token settles
func (t *Token[T]) Wait() (T, error) {
	<-t.done
	return t.value, t.err
}

// WaitContext blocks until the token settles or the context is done
func (t *Token[T]) WaitContext(ctx context.Context) (v T, err error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return v, ctx.Err()
	}
}

// Then calls fn with the outcome once the token settles. fn runs on its own goroutine.
func (t *Token[T]) Then(fn func(T, error)) {
	go func() {
		<-t.done
		fn(t.value, t.err)
	}()
}
