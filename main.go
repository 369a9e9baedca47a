package main

import "github.com/vibast-solutions/ms-go-proxy-payments/cmd"

func main() {
	cmd.Execute()
}
