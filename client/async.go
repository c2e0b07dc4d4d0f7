package client

// Result is the outcome of an asynchronous session operation
type Result[T any] struct {
	Value T
	Err   error
}

// Async runs fn on its own goroutine and delivers its outcome on the returned
// channel, which receives exactly one value and is then closed. It lets UI
// code treat login, refresh and logout as futures without blocking.
//
//	done := client.Async(func() (*oa.User, error) {
//	    return sm.Login(ctx, user, pass, true)
//	})
//	...
//	res := <-done
func Async[T any](fn func() (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		v, err := fn()
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}
