// README: Entry point; every process role is a subcommand.
package main

import "movzz/internal/cli"

func main() {
	cli.Execute()
}
