package aggregate

import "github.com/chebyrash/promise"

type Plugin interface {
	// Runs initialization in order of how they are passed in to `Aggregate`
	Init() error
	// Runs startup and should be non blocking. The returned promise settles
	// when the plugin has finished its work (or immediately for passive ones)
	Start() *promise.Promise[any]
	// Runs cleanup once the `Aggregate` is finished, in reverse order
	Stop() error
}
