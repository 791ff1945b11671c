package main

import "os"

func main() {
	err := rootCmd.Execute()
	if logClose != nil {
		_ = logClose()
	}
	if err != nil {
		os.Exit(1)
	}
}
