package main

import "go.docstore/internal/cli"

func main() {
	cli.Execute()
}
