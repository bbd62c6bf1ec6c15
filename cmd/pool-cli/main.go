package main

import "liquidity-core/cmd/pool-cli/cmd"

func main() {
	cmd.Execute()
}
