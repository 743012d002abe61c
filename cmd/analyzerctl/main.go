package main

import "FinDocAnalyzer/cmd/analyzerctl/cmd"

func main() {
	cmd.Execute()
}
