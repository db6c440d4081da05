package main

import (
	"github.com/masayil/snapstore/command/root"
)

func main() {
	root.NewRootCommand().Execute()
}
