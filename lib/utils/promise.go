package utils

import "github.com/chebyrash/promise"

func PromiseResolve[T any](val T) *promise.Promise[T] {
	return promise.New(func(resolve func(T), reject func(error)) {
		resolve(val)
	})
}

func PromiseReject[T any](err error) *promise.Promise[T] {
	return promise.New(func(resolve func(T), reject func(error)) {
		reject(err)
	})
}

// PromiseGo runs fn in the background and settles once it returns.
func PromiseGo(fn func() error) *promise.Promise[any] {
	return promise.New(func(resolve func(any), reject func(error)) {
		if err := fn(); err != nil {
			reject(err)
			return
		}
		resolve(nil)
	})
}
