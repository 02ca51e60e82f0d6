package main

import (
	"os"

	"github.com/zhishengyuan/searchgram-index/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
