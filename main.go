/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "tagbot/cmd"

func main() {
	cmd.Execute()
}
