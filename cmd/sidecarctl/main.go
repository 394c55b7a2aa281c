package main

import (
	"os"

	"github.com/Comfy-Org/comfyui-sidecar/cmd/sidecarctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
