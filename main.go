package main

import "github.com/sunbk201/ruleproxy/cmd"

func main() {
	cmd.Execute()
}
