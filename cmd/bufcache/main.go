package main

import (
	"os"

	"github.com/ourfavoritefruits/yuzu-sub001/cmd/bufcache/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
