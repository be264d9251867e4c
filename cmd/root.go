/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tagbot",
	Short: "WhatsApp group bot for stickers and mass mentions",
	Long: `tagbot watches WhatsApp group chats through a bridge and answers a small
set of prefixed commands: sticker conversion of images and videos, an
admin-only tagall mention of every member, and a help menu.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
