package main

import "github.com/felixgeelhaar/noetik/cmd/noetik/cli"

func main() {
	cli.Execute()
}
