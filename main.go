package main

import "github.com/Bshisia/community-hope/internal/cli"

func main() {
	cli.Execute()
}
