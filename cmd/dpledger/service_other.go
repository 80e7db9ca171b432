//go:build !windows

package main

import "github.com/spf13/cobra"

func isRunningAsService() bool { return false }

func runAsService() {}

func addServiceCommands(*cobra.Command) {}
