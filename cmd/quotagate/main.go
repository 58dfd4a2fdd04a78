// Command quotagate runs the Quotagate admission-control server.
package main

import "github.com/Sentinel-Gate/Quotagate/cmd/quotagate/cmd"

func main() {
	cmd.Execute()
}
