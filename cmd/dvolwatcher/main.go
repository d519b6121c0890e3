package main

import (
	"option-risk-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
