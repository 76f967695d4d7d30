package main

import (
	"oracle-predictor/internal/cli"
)

func main() {
	cli.Execute()
}
