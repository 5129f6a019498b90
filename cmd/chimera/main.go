package main

import "github.com/chimera-security/chimera/internal/cli"

func main() {
	cli.Execute()
}
