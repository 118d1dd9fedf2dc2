// Command clusterinvoke runs a master node, worker nodes and a demo client.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
