package main

import "github.com/toolgate-proxy/toolgate/cmd/toolgate/cmd"

func main() {
	cmd.Execute()
}
