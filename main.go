package main

import "github.com/kebairia/dumpctl/cmd"

func main() {
	cmd.Execute()
}
