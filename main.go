package main

import (
	"github.com/luma/respmux/cmd"
)

func main() {
	cmd.Execute()
}
