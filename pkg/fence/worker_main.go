package fence

import (
	"log"
	"os"

	"github.com/fenceworks/fence/internal/sandboxenv"
	"github.com/fenceworks/fence/internal/worker"
	"github.com/fenceworks/fence/internal/workapi"
)

// MaybeRunWorker turns the current process into a sandbox worker when
// it was re-executed by the runtime with the worker flag. Embedding
// binaries that leave Config.WorkerBinary empty must call this at the
// very top of main; it does not return in worker mode.
func MaybeRunWorker() {
	if os.Getenv(workapi.EnvSandbox) != "1" {
		return
	}
	for _, arg := range os.Args[1:] {
		if arg == workapi.WorkerFlag {
			RunWorker()
		}
	}
}

// RunWorker applies the configured confinement and serves the worker
// protocol over stdio until the host closes the channel. It exits the
// process.
func RunWorker() {
	if err := sandboxenv.Apply(); err != nil {
		log.Printf("sandbox confinement failed: %v", err)
		os.Exit(1)
	}
	if err := worker.Serve(os.Stdin, os.Stdout); err != nil {
		log.Printf("worker serve: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}
