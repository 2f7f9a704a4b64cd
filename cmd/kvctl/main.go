// Command kvctl inspects and edits a kv store from the shell.
//
//	KVCTL_LOCATION=data/app.db kvctl set user:1 '{"name":"alice"}'
//	kvctl list --prefix user:
//	printf 'set a 1\ndelete b\n' | kvctl tx
package main

import (
	"os"
)

func main() {
	rc, _ := Cli(os.Args[1:], NewCliConfig())
	os.Exit(rc)
}
