// fence-worker is the sandbox worker binary: it applies its own
// confinement and serves the framed worker protocol over stdio. The
// host-side stub spawns one per pool slot and restarts it on crash.
// Embedding services can point Config.WorkerBinary at it instead of
// re-executing themselves.
package main

import "github.com/fenceworks/fence/pkg/fence"

func main() {
	fence.RunWorker()
}
