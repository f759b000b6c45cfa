// chaingate mediates agent actions: read-only actions run immediately,
// state-changing actions wait for a human decision.
package main

import "github.com/ppiankov/chaingate/internal/cli"

func main() {
	cli.Execute()
}
