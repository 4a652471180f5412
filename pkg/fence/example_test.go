package fence_test

import (
	"fmt"
	"sync"

	"github.com/fenceworks/fence/pkg/fence"
)

// A host service loads a scoring function once and then serves
// invocations of it. The in-process mode keeps the example
// self-contained; production hosts use the default process mode with
// MaybeRunWorker at the top of main.
func ExampleService() {
	svc := fence.New(fence.Config{
		NumberOfWorkers: 1,
		SandboxMode:     fence.SandboxInProcess,
		RequirePreload:  true,
	})
	if err := svc.Init(); err != nil {
		fmt.Println("init:", err)
		return
	}
	defer svc.Stop()
	if err := svc.Run(); err != nil {
		fmt.Println("run:", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	svc.Broadcast(&fence.CodeObject{
		ID:      "score",
		Version: 1,
		JS:      `function Score(bid) { return bid.price * 2; }`,
	}, func(resp *fence.ResponseObject, err error) {
		wg.Done()
	})
	wg.Wait()

	wg.Add(1)
	svc.Dispatch(&fence.InvocationRequest{
		Version:     1,
		HandlerName: "Score",
		Input:       []string{`{"price": 21}`},
	}, func(resp *fence.ResponseObject, err error) {
		if err == nil {
			fmt.Println(resp.Resp)
		}
		wg.Done()
	})
	wg.Wait()

	// Output: 42
}
