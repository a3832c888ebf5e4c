// labconsole starts, stops, monitors and views live tests on lab hosts.
package main

import "github.com/bgplab/livetest/cmd/labconsole/commands"

func main() {
	commands.Execute()
}
