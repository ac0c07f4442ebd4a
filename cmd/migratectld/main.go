// Command migratectl drives and inspects a running RAM migration
// session over its control socket.
package main

import (
	"fmt"
	"os"

	"github.com/ramvm/migrate/cmd/migratectl"
)

func main() {
	if err := migratectl.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
