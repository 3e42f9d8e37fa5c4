// Package main provides the entry point for the cipp-engine CLI.
package main

import "github.com/AlexDorobantiu/CIPP-sub000/cmd"

func main() {
	cmd.Execute()
}
