package main

import "trackunblock/work/cli"

func main() {
	cli.Execute()
}
