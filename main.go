/*
Copyright © 2026 Open Data Repository <dev@opendatarepository.org>
*/
package main

import "github.com/opendatarepository/odr-worker/cmd"

func main() {
	cmd.Execute()
}
