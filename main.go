package main

import "github.com/vitrinehub/billing-engine/cmd"

func main() {
	cmd.Execute()
}
