// cloudemu serves local emulations of AWS, Azure and GCP services.
package main

import "github.com/cloudemu/cloudemu/pkg/cli"

func main() {
	cli.Execute()
}
