package main

import "curtailment-cashflow/internal/cli"

func main() {
	cli.Execute()
}
